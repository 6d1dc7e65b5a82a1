package recorder

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		action string
		data   string
		want   Command
	}{
		{"SAVE", `{"type":"click","x":10}`, Save{Event: json.RawMessage(`{"type":"click","x":10}`)}},
		{"CREATE_SNAPSHOT", `{"id":7,"description":"d","time":"t"}`, CreateSnapshot{ID: 7, Description: "d", Time: "t"}},
		{"AVAILABLE", ``, Available{}},
		{"RESTORE_STATU", `{"step":3,"name":"flowA"}`, RestoreStatus{Step: 3, Name: "flowA"}},
		{"RM_SNAPSHOT", `{"name":"snapshot-1"}`, RemoveSnapshot{Name: "snapshot-1"}},
		{"START_RECORD", `{"id":7,"url":"https://x","favIconUrl":"https://x/f.ico","active":true}`, StartRecord{Tab: TabInfo{ID: 7, URL: "https://x", FavIconURL: "https://x/f.ico"}}},
		{"END_RECORD", `{"id":7}`, EndRecord{ID: 7}},
	}
	for _, tc := range cases {
		t.Run(tc.action, func(t *testing.T) {
			cmd, err := ParseCommand(tc.action, json.RawMessage(tc.data))
			require.NoError(t, err)
			require.Equal(t, tc.want, cmd)
			require.Equal(t, Action(tc.action), cmd.Action())
		})
	}
}

func TestParseCommand_Errors(t *testing.T) {
	_, err := ParseCommand("PLAY", nil)
	require.True(t, errors.Is(err, ErrUnknownAction))

	malformed := map[string]string{
		"SAVE":            `null`,
		"CREATE_SNAPSHOT": `{"description":"no id"}`,
		"RESTORE_STATU":   `[1,2]`,
		"RM_SNAPSHOT":     `{}`,
		"START_RECORD":    `{"url":"https://x"}`,
		"END_RECORD":      ``,
	}
	for action, data := range malformed {
		_, err := ParseCommand(action, json.RawMessage(data))
		require.Error(t, err, action)
		require.True(t, errors.Is(err, ErrMalformedPayload), action)
	}
}

func TestActionsCoverEveryCommand(t *testing.T) {
	require.Len(t, Actions, 7)
	seen := map[Action]bool{}
	for _, a := range Actions {
		require.False(t, seen[a])
		seen[a] = true
	}
}
