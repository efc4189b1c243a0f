package presence

import (
	"sort"
	"sync"
)

// Registry tracks which usernames are currently joined to each room. It is
// in-memory and single-process; a room with no members is simply absent.
type Registry struct {
	rooms map[string]map[string]bool
	mu    sync.RWMutex
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]bool),
	}
}

// Join adds the user to the room's presence set, creating it if needed.
func (r *Registry) Join(room, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]bool)
		r.rooms[room] = members
	}
	members[username] = true
}

// Leave removes the user and forgets the room once its last member leaves.
func (r *Registry) Leave(room, username string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, username)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// Members returns a sorted snapshot of the room's presence set. The snapshot
// is a copy; callers never see the live set.
func (r *Registry) Members(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	snapshot := make([]string, 0, len(members))
	for username := range members {
		snapshot = append(snapshot, username)
	}
	sort.Strings(snapshot)
	return snapshot
}
