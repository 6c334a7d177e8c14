package realtime

import (
	"slices"
	"sync"
)

// Registry maps group ids to the listeners whose users belong to them. A
// listener's memberships are fixed when it registers.
type Registry struct {
	mu          sync.RWMutex
	rooms       map[string]map[*Listener]struct{}
	memberships map[*Listener][]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[string]map[*Listener]struct{}),
		memberships: make(map[*Listener][]string),
	}
}

// Register joins l to the room of every group in groupIDs. Registering the
// same listener again adds any new groups.
func (r *Registry) Register(l *Listener, groupIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.memberships[l]
	if joined == nil {
		joined = []string{}
	}
	for _, g := range groupIDs {
		if slices.Contains(joined, g) {
			continue
		}
		room, ok := r.rooms[g]
		if !ok {
			room = make(map[*Listener]struct{})
			r.rooms[g] = room
		}
		room[l] = struct{}{}
		joined = append(joined, g)
	}
	r.memberships[l] = joined
}

// Unregister removes l from every room it joined. Rooms left empty are
// dropped. Unregistering an unknown listener is a no-op.
func (r *Registry) Unregister(l *Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined, ok := r.memberships[l]
	if !ok {
		return
	}
	for _, g := range joined {
		room := r.rooms[g]
		delete(room, l)
		if len(room) == 0 {
			delete(r.rooms, g)
		}
	}
	delete(r.memberships, l)
}

// Resolve returns the listeners reached by t, each at most once. The
// wildcard reaches every listener in at least one room.
func (r *Registry) Resolve(t Target) []*Listener {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if t.all {
		out := make([]*Listener, 0, len(r.memberships))
		for l, joined := range r.memberships {
			if len(joined) > 0 {
				out = append(out, l)
			}
		}
		return out
	}

	seen := make(map[*Listener]struct{})
	var out []*Listener
	for _, g := range t.groups {
		for l := range r.rooms[g] {
			if _, dup := seen[l]; dup {
				continue
			}
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}

// Len reports the number of registered listeners.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.memberships)
}

// Rooms returns the ids of all non-empty rooms.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.rooms))
	for g := range r.rooms {
		out = append(out, g)
	}
	slices.Sort(out)
	return out
}

// RoomSize reports how many listeners are in the room of groupID.
func (r *Registry) RoomSize(groupID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[groupID])
}
