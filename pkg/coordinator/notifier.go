package coordinator

import (
	"context"

	"github.com/go-go-golems/tabtrail/pkg/bus"
)

// Notifier sends coordinator-originated messages to the front-end peers.
type Notifier interface {
	NotifyObserver(ctx context.Context, tabID int, msg bus.Message) error
	NotifyControl(ctx context.Context, msg bus.Message) error
}

// BusNotifier delivers notifications over the message bus.
type BusNotifier struct {
	Bus *bus.Bus
}

var _ Notifier = BusNotifier{}

func (n BusNotifier) NotifyObserver(ctx context.Context, tabID int, msg bus.Message) error {
	return n.Bus.Send(ctx, bus.Envelope{
		To:      bus.EndpointObserver,
		Sender:  bus.Sender{Origin: bus.EndpointCoordinator, TabID: tabID},
		Message: msg,
	})
}

func (n BusNotifier) NotifyControl(ctx context.Context, msg bus.Message) error {
	return n.Bus.Send(ctx, bus.Envelope{
		To:      bus.EndpointControl,
		Sender:  bus.Sender{Origin: bus.EndpointCoordinator},
		Message: msg,
	})
}
