package kvmap

import "sort"

// listenerQueue holds the events queued for one subscribed session, in
// command-application order.
type listenerQueue struct {
	events []Event
}

// listenerRegistry tracks which sessions are subscribed to change events
// and queues events for later delivery by the external session layer. It
// owns no session lifetime: open/close is signaled by the caller.
type listenerRegistry struct {
	subscribers map[uint64]*listenerQueue
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{subscribers: make(map[uint64]*listenerQueue)}
}

func (r *listenerRegistry) add(sessionID uint64) {
	if _, ok := r.subscribers[sessionID]; !ok {
		r.subscribers[sessionID] = &listenerQueue{}
	}
}

func (r *listenerRegistry) remove(sessionID uint64) {
	delete(r.subscribers, sessionID)
}

// closeSession drops the session's queue entirely, per spec: closing a
// session drops its queue.
func (r *listenerRegistry) closeSession(sessionID uint64) {
	delete(r.subscribers, sessionID)
}

// publish appends ev to every subscribed session's queue.
func (r *listenerRegistry) publish(ev Event) {
	for _, q := range r.subscribers {
		q.events = append(q.events, ev)
	}
}

// drain removes and returns all queued events for a session, oldest first.
func (r *listenerRegistry) drain(sessionID uint64) []Event {
	q, ok := r.subscribers[sessionID]
	if !ok || len(q.events) == 0 {
		return nil
	}
	out := q.events
	q.events = nil
	return out
}

// sortedSessionIDs returns subscriber ids in ascending order, for
// deterministic snapshotting.
func (r *listenerRegistry) sortedSessionIDs() []uint64 {
	ids := make([]uint64, 0, len(r.subscribers))
	for id := range r.subscribers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
