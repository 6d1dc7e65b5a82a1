package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

// SectionSlug is the slug of the redis parameter section.
const SectionSlug = "redis"

// Settings holds Redis Streams transport configuration for the message bus.
//
// A redis-backed bus supports exactly one coordinator per consumer group.
// Session state lives in the coordinator's memory, so a second coordinator
// consuming the same group would receive half of every tab's actions.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled" glazed.default:"false" glazed.help:"Enable Redis Streams transport for the message bus"`
	Addr     string `glazed:"redis-addr" glazed.default:"localhost:6379" glazed.help:"Redis address host:port"`
	Group    string `glazed:"redis-group" glazed.default:"tabtrail" glazed.help:"Redis consumer group"`
	Consumer string `glazed:"redis-consumer" glazed.default:"coordinator-1" glazed.help:"Redis consumer name"`
}

// DefaultSettings keeps the bus in process.
func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "tabtrail",
		Consumer: "coordinator-1",
	}
}

// NewParameterLayer builds the glazed section for the redis flags.
func NewParameterLayer() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(SectionSlug, "Redis configuration for Watermill Redis Streams",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(d.Enabled), fields.WithHelp("Enable Redis Streams transport for the message bus")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(d.Addr), fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(d.Group), fields.WithHelp("Redis consumer group, one coordinator per group")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(d.Consumer), fields.WithHelp("Redis consumer name")),
		))
}
