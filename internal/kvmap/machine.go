// Package kvmap implements the deterministic core of a replicated,
// versioned, transactional key-value map: the state machine a consensus
// layer drives by applying an ordered stream of commands. Every exported
// entry point is a pure function of (state, request, timestamp) —
// Machine performs no I/O and owns no goroutines, per the single-threaded
// concurrency model the spec requires.
package kvmap

import "sort"

// Machine is the full state of one map replica: entry store, TTL index,
// lock table, transaction manager, and listener registry. It is not safe
// for concurrent use — callers (the consensus layer's FSM) must apply
// commands serially.
type Machine struct {
	store     *entryStore
	ttl       *ttlIndex
	locks     *lockTable
	txns      *txnManager
	listeners *listenerRegistry
}

// NewMachine returns an empty map replica.
func NewMachine() *Machine {
	return &Machine{
		store:     newEntryStore(),
		ttl:       newTTLIndex(),
		locks:     newLockTable(),
		txns:      newTxnManager(),
		listeners: newListenerRegistry(),
	}
}

// Apply executes a COMMAND request at logical timestamp ts, first draining
// every TTL entry that has expired as of ts (ascending expiry, then key),
// publishing one REMOVE event per drained entry before the command's own
// effect is computed. It is the only entry point the consensus layer's FSM
// calls from Raft.Apply.
func (m *Machine) Apply(req Request, ts int64) Response {
	if kind(req.Op) != Command {
		return Response{Err: newErr(KindMalformedCommand, "op %d is not a command", req.Op)}
	}
	expired := m.drainExpiredTTL(ts)
	resp := m.dispatchCommand(req, ts)
	resp.Events = append(expired, resp.Events...)
	resp.ExpiredCount = len(expired)
	return resp
}

// Query executes a QUERY request against current state. Every query except
// OpBegin leaves state unchanged; OpBegin registers an ACTIVE transaction
// record if none exists for the id. Queries never drain TTL themselves;
// they observe whatever state the most recently applied command left behind.
func (m *Machine) Query(req Request) Response {
	if kind(req.Op) != Query {
		return Response{Err: newErr(KindMalformedCommand, "op %d is not a query", req.Op)}
	}
	return m.dispatchQuery(req)
}

func (m *Machine) drainExpiredTTL(ts int64) []Event {
	drained := m.ttl.drainExpired(ts)
	if len(drained) == 0 {
		return nil
	}
	events := make([]Event, 0, len(drained))
	for _, n := range drained {
		e, ok := m.store.get(n.key)
		if !ok {
			continue
		}
		delete(m.store.entries, n.key)
		events = append(events, Event{Type: EventRemove, Key: n.key, Old: e.versioned()})
	}
	for _, ev := range events {
		m.listeners.publish(ev)
	}
	return events
}

func (m *Machine) dispatchQuery(req Request) Response {
	switch req.Op {
	case OpSize:
		return Response{Int: m.store.size()}
	case OpIsEmpty:
		return Response{Bool: m.store.size() == 0}
	case OpContainsKey:
		_, ok := m.store.get(req.Key)
		return Response{Bool: ok}
	case OpContainsValue:
		if req.Value == nil {
			return Response{Err: newErr(KindMalformedCommand, "containsValue: nil value rejected")}
		}
		return Response{Bool: m.store.containsValue(req.Value)}
	case OpGet:
		if e, ok := m.store.get(req.Key); ok {
			return Response{Versioned: e.versioned()}
		}
		return Response{Versioned: Versioned{}}
	case OpGetAllPresent:
		out := make(map[string]Versioned, len(req.Keys))
		for _, k := range req.Keys {
			if e, ok := m.store.get(k); ok {
				out[k] = e.versioned()
			}
		}
		return Response{VersionedMap: out}
	case OpGetOrDefault:
		if e, ok := m.store.get(req.Key); ok {
			return Response{Versioned: e.versioned()}
		}
		return Response{Versioned: Versioned{Value: req.Default, Present: false}}
	case OpKeySet:
		return Response{Keys: m.store.sortedKeys()}
	case OpValues:
		keys := m.store.sortedKeys()
		vals := make([][]byte, 0, len(keys))
		for _, k := range keys {
			vals = append(vals, m.store.entries[k].Value)
		}
		return Response{Values: vals}
	case OpEntrySet:
		keys := m.store.sortedKeys()
		out := make(map[string]Versioned, len(keys))
		for _, k := range keys {
			out[k] = m.store.entries[k].versioned()
		}
		return Response{Entries: out}
	case OpBegin:
		return Response{StartVersion: m.txns.begin(m.store, req.TransactionID, req.SessionID)}
	default:
		return Response{Err: newErr(KindMalformedCommand, "unknown query op %d", req.Op)}
	}
}

func (m *Machine) dispatchCommand(req Request, ts int64) Response {
	switch req.Op {
	case OpPut, OpPutAndGet:
		return Response{Update: m.put(req, ts, false)}
	case OpPutIfAbsent:
		return Response{Update: m.putIfAbsent(req, ts)}
	case OpRemove:
		return Response{Update: m.remove(req.Key, nil, nil)}
	case OpRemoveValue:
		return Response{Update: m.remove(req.Key, req.Value, nil)}
	case OpRemoveVersion:
		v := req.ExpectedVersion
		return Response{Update: m.remove(req.Key, nil, &v)}
	case OpReplace:
		return Response{Update: m.replace(req.Key, nil, nil, req.Value, ts)}
	case OpReplaceValue:
		return Response{Update: m.replace(req.Key, req.OldValue, nil, req.NewValue, ts)}
	case OpReplaceVersion:
		v := req.ExpectedVersion
		return Response{Update: m.replace(req.Key, nil, &v, req.NewValue, ts)}
	case OpClear:
		return Response{Events: m.clear()}
	case OpAddListener:
		m.listeners.add(req.SessionID)
		return Response{}
	case OpRemoveListener:
		m.listeners.remove(req.SessionID)
		return Response{}
	case OpPrepare:
		res := m.txns.prepare(m.store, m.locks, req.Log, req.SessionID)
		return Response{PrepareResult: res}
	case OpPrepareAndCommit:
		res := m.txns.prepare(m.store, m.locks, req.Log, req.SessionID)
		if res != PrepareOK {
			return Response{PrepareResult: res}
		}
		cres, events := m.txns.commit(m.store, m.locks, m.ttl, req.Log.TransactionID, ts)
		if cres != CommitOK {
			return Response{PrepareResult: PreparePartialFailure}
		}
		for _, ev := range events {
			m.listeners.publish(ev)
		}
		return Response{PrepareResult: PrepareOK, Events: events}
	case OpCommit:
		res, events := m.txns.commit(m.store, m.locks, m.ttl, req.TransactionID, ts)
		for _, ev := range events {
			m.listeners.publish(ev)
		}
		return Response{CommitResult: res, Events: events}
	case OpRollback:
		res := m.txns.rollback(m.locks, req.TransactionID)
		return Response{RollbackResult: res}
	case OpSessionExpire:
		m.txns.expireSession(m.locks, req.SessionID)
		m.listeners.closeSession(req.SessionID)
		return Response{}
	default:
		return Response{Err: newErr(KindMalformedCommand, "unknown command op %d", req.Op)}
	}
}

// put implements both put/putWithTtl and putAndGet/putAndGetWithTtl; the
// caller distinguishes which Versioned to surface by inspecting req.Op
// downstream (both return the same MapEntryUpdateResult, carrying both
// Old and New so transports can pick what they need).
func (m *Machine) put(req Request, ts int64, _ bool) MapEntryUpdateResult {
	if req.Value == nil {
		return MapEntryUpdateResult{Status: StatusPreconditionFailed, Key: req.Key}
	}
	if _, locked := m.locks.ownerOf(req.Key); locked {
		res := MapEntryUpdateResult{Status: StatusWriteLock, Key: req.Key}
		if old, ok := m.store.get(req.Key); ok {
			res.Old = old.versioned()
		}
		return res
	}
	old, hadOld := m.store.get(req.Key)
	var oldV Versioned
	if hadOld {
		oldV = old.versioned()
		m.ttl.remove(old.expiry(), req.Key)
	}
	v := m.store.nextVersion()
	e := &Entry{Value: req.Value, Version: v, Created: ts, TTL: req.TTL}
	m.store.entries[req.Key] = e
	if req.TTL > 0 {
		m.ttl.insert(e.expiry(), req.Key)
	}
	evType := EventInsert
	if hadOld {
		evType = EventUpdate
	}
	m.listeners.publish(Event{Type: evType, Key: req.Key, Old: oldV, New: e.versioned()})
	return MapEntryUpdateResult{Status: StatusOK, Key: req.Key, Old: oldV, New: e.versioned()}
}

func (m *Machine) putIfAbsent(req Request, ts int64) MapEntryUpdateResult {
	if old, ok := m.store.get(req.Key); ok {
		return MapEntryUpdateResult{Status: StatusNoop, Key: req.Key, Old: old.versioned(), New: old.versioned()}
	}
	return m.put(req, ts, false)
}

// remove handles unconditional, value-conditional and version-conditional
// removal depending on which of value/version is non-nil.
func (m *Machine) remove(key string, value []byte, version *uint64) MapEntryUpdateResult {
	e, ok := m.store.get(key)
	if !ok {
		return MapEntryUpdateResult{Status: StatusNoop, Key: key}
	}
	if _, locked := m.locks.ownerOf(key); locked {
		return MapEntryUpdateResult{Status: StatusWriteLock, Key: key, Old: e.versioned()}
	}
	if value != nil && !bytesEqual(e.Value, value) {
		return MapEntryUpdateResult{Status: StatusPreconditionFailed, Key: key, Old: e.versioned()}
	}
	if version != nil && e.Version != *version {
		return MapEntryUpdateResult{Status: StatusPreconditionFailed, Key: key, Old: e.versioned()}
	}
	oldV := e.versioned()
	delete(m.store.entries, key)
	m.ttl.remove(e.expiry(), key)
	m.listeners.publish(Event{Type: EventRemove, Key: key, Old: oldV})
	return MapEntryUpdateResult{Status: StatusOK, Key: key, Old: oldV}
}

// replace requires presence; exactly one of oldValue/oldVersion selects the
// conditional variant, or neither for the unconditional replace(key,value).
func (m *Machine) replace(key string, oldValue []byte, oldVersion *uint64, newValue []byte, ts int64) MapEntryUpdateResult {
	e, ok := m.store.get(key)
	if !ok {
		return MapEntryUpdateResult{Status: StatusPreconditionFailed, Key: key}
	}
	if _, locked := m.locks.ownerOf(key); locked {
		return MapEntryUpdateResult{Status: StatusWriteLock, Key: key, Old: e.versioned()}
	}
	if oldValue != nil && !bytesEqual(e.Value, oldValue) {
		return MapEntryUpdateResult{Status: StatusPreconditionFailed, Key: key, Old: e.versioned()}
	}
	if oldVersion != nil && e.Version != *oldVersion {
		return MapEntryUpdateResult{Status: StatusPreconditionFailed, Key: key, Old: e.versioned()}
	}
	oldV := e.versioned()
	v := m.store.nextVersion()
	ne := &Entry{Value: newValue, Version: v, Created: ts, TTL: e.TTL}
	if ne.TTL > 0 {
		m.ttl.remove(e.expiry(), key)
		m.ttl.insert(ne.expiry(), key)
	}
	m.store.entries[key] = ne
	m.listeners.publish(Event{Type: EventUpdate, Key: key, Old: oldV, New: ne.versioned()})
	return MapEntryUpdateResult{Status: StatusOK, Key: key, Old: oldV, New: ne.versioned()}
}

// clear removes every entry, clears the TTL index, and emits one REMOVE
// event per previously-present key in ascending key order (spec §9.3).
func (m *Machine) clear() []Event {
	keys := m.store.sortedKeys()
	events := make([]Event, 0, len(keys))
	for _, k := range keys {
		e := m.store.entries[k]
		events = append(events, Event{Type: EventRemove, Key: k, Old: e.versioned()})
	}
	sort.Strings(keys) // already sorted; keep explicit for readers
	m.store.entries = make(map[string]*Entry)
	m.ttl.clear()
	for _, ev := range events {
		m.listeners.publish(ev)
	}
	return events
}

// Drain returns and clears the queued events for a subscribed session.
// This is the external session layer's pull path described in spec §4.5.
func (m *Machine) Drain(sessionID uint64) []Event {
	return m.listeners.drain(sessionID)
}

// SubscriberIDs returns the currently subscribed session ids, ascending.
// internal/cluster.FSM uses this to know which sessions to Drain after an
// apply before handing each session's events to its EventSink, instead of
// re-deriving subscription state of its own.
func (m *Machine) SubscriberIDs() []uint64 {
	return m.listeners.sortedSessionIDs()
}
