package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// Channel tags a frame with the kind of entity it concerns.
type Channel string

const (
	// ChannelAuth carries handshake control messages.
	ChannelAuth Channel = "auth"

	ChannelApplication  Channel = "app"
	ChannelCategory     Channel = "category"
	ChannelGroup        Channel = "group"
	ChannelNotification Channel = "notification"
	ChannelTag          Channel = "tag"
	ChannelUser         Channel = "user"
)

func (c Channel) domain() bool {
	switch c {
	case ChannelApplication, ChannelCategory, ChannelGroup, ChannelNotification, ChannelTag, ChannelUser:
		return true
	}
	return false
}

// Action is what happened to the entity.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionDeleted Action = "deleted"
)

func (a Action) valid() bool {
	return a == ActionCreated || a == ActionUpdated || a == ActionDeleted
}

// ErrInvalidEvent is returned by Broadcast for events that cannot be sent.
var ErrInvalidEvent = errors.New("realtime: invalid event")

// Payload is the typed body of an event. Each implementation belongs to
// exactly one channel.
type Payload interface {
	Channel() Channel
}

// ApplicationPayload describes an application tile.
type ApplicationPayload struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	URL         string   `json:"url"`
	ImageURL    string   `json:"imageUrl,omitempty"`
	Tags        []string `json:"tags"`
	Categories  []string `json:"categories"`
	Groups      []string `json:"groups"`
	Responsive  bool     `json:"responsive"`
}

func (ApplicationPayload) Channel() Channel { return ChannelApplication }

// CategoryPayload describes a category.
type CategoryPayload struct {
	Name string `json:"name"`
}

func (CategoryPayload) Channel() Channel { return ChannelCategory }

// GroupPayload describes a group.
type GroupPayload struct {
	Name string `json:"name"`
}

func (GroupPayload) Channel() Channel { return ChannelGroup }

// NotificationPayload describes a notification posted to groups.
type NotificationPayload struct {
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Poster         string     `json:"poster"`
	Applications   []string   `json:"applications"`
	Groups         []string   `json:"groups"`
	PostDate       time.Time  `json:"postDate"`
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
}

func (NotificationPayload) Channel() Channel { return ChannelNotification }

// TagPayload describes a tag.
type TagPayload struct {
	Name string `json:"name"`
}

func (TagPayload) Channel() Channel { return ChannelTag }

// UserPayload carries the public part of a user record.
type UserPayload struct {
	DisplayName string   `json:"displayName"`
	Email       string   `json:"email"`
	Admin       bool     `json:"admin"`
	Groups      []string `json:"groups"`
}

func (UserPayload) Channel() Channel { return ChannelUser }

// Event is one change notification pushed to listeners.
type Event struct {
	Channel Channel
	Entity  string
	Action  Action
	// Data is optional; when set its channel must equal Channel.
	Data Payload
}

// Validate reports whether the event can be sent.
func (e Event) Validate() error {
	if !e.Channel.domain() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidEvent, e.Channel)
	}
	if e.Entity == "" {
		return fmt.Errorf("%w: entity id is required", ErrInvalidEvent)
	}
	if !e.Action.valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidEvent, e.Action)
	}
	if e.Data != nil && e.Data.Channel() != e.Channel {
		return fmt.Errorf("%w: %s payload on %s channel", ErrInvalidEvent, e.Data.Channel(), e.Channel)
	}
	return nil
}

// frame is the wire shape of every server to client message.
type frame struct {
	Channel Channel `json:"channel"`
	Message any     `json:"message"`
}

type eventMessage struct {
	Entity string  `json:"entity"`
	Action Action  `json:"action"`
	Data   Payload `json:"data,omitempty"`
}

func encodeEvent(e Event) ([]byte, error) {
	return json.Marshal(frame{
		Channel: e.Channel,
		Message: eventMessage{Entity: e.Entity, Action: e.Action, Data: e.Data},
	})
}

func encodeControl(msg string) []byte {
	// Marshalling a struct of strings cannot fail.
	b, _ := json.Marshal(frame{Channel: ChannelAuth, Message: msg})
	return b
}

// Target selects the rooms a broadcast reaches.
type Target struct {
	groups []string
	all    bool
}

// AllGroups targets every room.
var AllGroups = Target{all: true}

// Groups targets the rooms of the given group ids.
func Groups(ids ...string) Target {
	return Target{groups: slices.Clone(ids)}
}

// IsAll reports whether t is the wildcard target.
func (t Target) IsAll() bool { return t.all }

// GroupIDs returns the explicit group ids of t.
func (t Target) GroupIDs() []string { return slices.Clone(t.groups) }

func (t Target) empty() bool { return !t.all && len(t.groups) == 0 }
