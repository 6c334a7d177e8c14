package realtime

import (
	"encoding/json"
	"errors"
	"testing"
)

type wireFrame struct {
	Channel string          `json:"channel"`
	Message json.RawMessage `json:"message"`
}

type wireEvent struct {
	Entity string          `json:"entity"`
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data"`
}

func decodeFrame(t *testing.T, b []byte) (wireFrame, wireEvent) {
	t.Helper()
	var f wireFrame
	if err := json.Unmarshal(b, &f); err != nil {
		t.Fatalf("decode frame %q: %v", b, err)
	}
	var ev wireEvent
	if f.Channel != string(ChannelAuth) {
		if err := json.Unmarshal(f.Message, &ev); err != nil {
			t.Fatalf("decode event %q: %v", f.Message, err)
		}
	}
	return f, ev
}

func TestEvent_Validate(t *testing.T) {
	cases := []struct {
		name string
		ev   Event
		ok   bool
	}{
		{"without data", Event{Channel: ChannelTag, Entity: "t1", Action: ActionDeleted}, true},
		{"matching data", Event{Channel: ChannelGroup, Entity: "g1", Action: ActionCreated, Data: GroupPayload{Name: "ops"}}, true},
		{"mismatched data", Event{Channel: ChannelNotification, Entity: "n1", Action: ActionCreated, Data: TagPayload{Name: "x"}}, false},
		{"auth channel", Event{Channel: ChannelAuth, Entity: "x", Action: ActionCreated}, false},
		{"unknown channel", Event{Channel: "widgets", Entity: "x", Action: ActionCreated}, false},
		{"missing entity", Event{Channel: ChannelUser, Action: ActionUpdated}, false},
		{"unknown action", Event{Channel: ChannelUser, Entity: "u1", Action: "renamed"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestEncodeEvent_WireShape(t *testing.T) {
	b, err := encodeEvent(Event{
		Channel: ChannelApplication,
		Entity:  "a1",
		Action:  ActionUpdated,
		Data:    ApplicationPayload{Title: "Wiki", URL: "https://wiki"},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	f, ev := decodeFrame(t, b)
	if f.Channel != "app" || ev.Entity != "a1" || ev.Action != "updated" {
		t.Fatalf("unexpected frame: %s", b)
	}
	var app ApplicationPayload
	if err := json.Unmarshal(ev.Data, &app); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if app.Title != "Wiki" || app.URL != "https://wiki" {
		t.Fatalf("unexpected data: %+v", app)
	}
}

func TestEncodeEvent_OmitsEmptyData(t *testing.T) {
	b, err := encodeEvent(Event{Channel: ChannelTag, Entity: "t1", Action: ActionDeleted})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw struct {
		Message map[string]any `json:"message"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := raw.Message["data"]; ok {
		t.Fatalf("expected no data key: %s", b)
	}
}

func TestEncodeControl(t *testing.T) {
	f, _ := decodeFrame(t, encodeControl(msgAuthenticated))
	if f.Channel != "auth" || string(f.Message) != `"authenticated"` {
		t.Fatalf("unexpected control frame: %+v", f)
	}
}
