// Package rooms implements the server-side topic → subscriber mapping.
// Topics are order IDs or rider IDs; members are connection handles.
package rooms

import "sync"

// Topic name builders shared by broker and clients.
const (
	OrderPrefix = "order:"
	RiderPrefix = "rider:"
)

func OrderTopic(orderID string) string { return OrderPrefix + orderID }
func RiderTopic(riderID string) string { return RiderPrefix + riderID }

// Member is a lightweight connection handle. Send must not block; a
// member that cannot accept a frame returns an error and is torn down.
type Member interface {
	ID() string
	Send(data []byte) error
}

// room carries its own lock so membership mutation and broadcast
// iteration are exclusive per topic but independent across topics. The
// dead flag marks a room that has been garbage collected; a Join racing
// with the collection retries against a fresh room.
type room struct {
	mu      sync.Mutex
	members map[Member]struct{}
	dead    bool
}

// Registry maps topics to member sets. The registry mutex guards only
// the topic map itself; it is never held while a room lock is taken, so
// a slow broadcast on one topic cannot stall operations on another.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*room
	onEvict func(Member)
}

// NewRegistry builds a registry. onEvict, if non-nil, is invoked for
// every member whose Send fails during a broadcast, outside any room
// lock, so it may call LeaveAll and close the connection.
func NewRegistry(onEvict func(Member)) *Registry {
	return &Registry{rooms: make(map[string]*room), onEvict: onEvict}
}

// Join adds the member to the topic, creating the room on first use.
// Joining twice is the same as joining once.
func (r *Registry) Join(topic string, m Member) {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[topic]
		if !ok {
			rm = &room{members: make(map[Member]struct{})}
			r.rooms[topic] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.members[m] = struct{}{}
		rm.mu.Unlock()
		return
	}
}

// Leave removes the member from the topic. The room is garbage
// collected once its member set becomes empty.
func (r *Registry) Leave(topic string, m Member) {
	r.mu.RLock()
	rm, ok := r.rooms[topic]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rm.mu.Lock()
	delete(rm.members, m)
	empty := len(rm.members) == 0
	rm.mu.Unlock()
	if empty {
		r.collect(topic, rm)
	}
}

// LeaveAll removes the member from every topic. Called exactly once
// when a connection terminates, whatever the cause.
func (r *Registry) LeaveAll(m Member) {
	r.mu.RLock()
	snapshot := make(map[string]*room, len(r.rooms))
	for topic, rm := range r.rooms {
		snapshot[topic] = rm
	}
	r.mu.RUnlock()

	for topic, rm := range snapshot {
		rm.mu.Lock()
		delete(rm.members, m)
		empty := len(rm.members) == 0
		rm.mu.Unlock()
		if empty {
			r.collect(topic, rm)
		}
	}
}

// collect removes the room from the map if it is still registered and
// still empty. Emptiness is rechecked under both locks because a Join
// may have slipped in between.
func (r *Registry) collect(topic string, rm *room) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rooms[topic] != rm {
		return
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if len(rm.members) == 0 {
		rm.dead = true
		delete(r.rooms, topic)
	}
}

// Broadcast delivers data to every current member of the topic.
// Delivery is best-effort per member: a failed send never blocks the
// others, and the failing member is handed to onEvict for teardown
// instead of being retried here.
func (r *Registry) Broadcast(topic string, data []byte) {
	r.mu.RLock()
	rm, ok := r.rooms[topic]
	r.mu.RUnlock()
	if !ok {
		return
	}

	var failed []Member
	rm.mu.Lock()
	for m := range rm.members {
		if err := m.Send(data); err != nil {
			failed = append(failed, m)
		}
	}
	rm.mu.Unlock()

	if r.onEvict != nil {
		for _, m := range failed {
			r.onEvict(m)
		}
	}
}

// Count returns the topic's current member count.
func (r *Registry) Count(topic string) int {
	r.mu.RLock()
	rm, ok := r.rooms[topic]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Topics returns the number of live rooms.
func (r *Registry) Topics() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
