package kvmap

import "sort"

// txnManager owns all in-flight Transaction records and implements the
// optimistic two-phase-commit protocol described in the spec: begin,
// prepare, commit, rollback, and the prepareAndCommit fast path. It
// mutates the shared entryStore and lockTable but holds no lock of its
// own — the owning Machine applies everything serially.
type txnManager struct {
	txns map[string]*Transaction
}

func newTxnManager() *txnManager {
	return &txnManager{txns: make(map[string]*Transaction)}
}

// begin registers an ACTIVE record if one doesn't already exist and
// returns the version the transaction started at. Idempotent: a repeated
// begin with the same id returns the originally issued start version.
// sessionID, if non-zero, records the owning session for a later
// session-expire command to find; it is only set when the record is
// created, never overwritten by a subsequent idempotent call.
func (m *txnManager) begin(store *entryStore, id string, sessionID uint64) uint64 {
	if t, ok := m.txns[id]; ok {
		return t.StartVer
	}
	t := &Transaction{ID: id, State: TxnActive, StartVer: store.version, SessionID: sessionID, HasSession: sessionID != 0}
	m.txns[id] = t
	return t.StartVer
}

// prepare validates and stages every update in the log, acquiring all
// locks only if every precondition holds; on any failure it releases
// whatever partial locks it had acquired in this call before returning.
func (m *txnManager) prepare(store *entryStore, locks *lockTable, log TransactionLog, sessionID uint64) PrepareResult {
	t, ok := m.txns[log.TransactionID]
	if !ok {
		t = &Transaction{ID: log.TransactionID, State: TxnActive, StartVer: store.version, SessionID: sessionID, HasSession: sessionID != 0}
		m.txns[log.TransactionID] = t
	}
	if t.State != TxnActive {
		return PrepareOptimisticLockFailure
	}

	acquired := make([]string, 0, len(log.Updates))
	fail := func(result PrepareResult) PrepareResult {
		for _, k := range acquired {
			locks.release(k)
		}
		return result
	}

	for _, u := range log.Updates {
		if locks.heldByOther(u.Key, t.ID) {
			return fail(PrepareConcurrentTransaction)
		}
		var currentVersion uint64
		if e, ok := store.get(u.Key); ok {
			currentVersion = e.Version
		}
		if currentVersion != u.ExpectedVersion {
			return fail(PrepareOptimisticLockFailure)
		}
		locks.acquire(u.Key, t.ID)
		acquired = append(acquired, u.Key)
	}

	t.Prepared = append([]Update(nil), log.Updates...)
	t.State = TxnPrepared
	return PrepareOK
}

// commit applies every staged update atomically: each put bumps the version
// counter once, rewrites its entry (with no TTL), drops any old TTL node, and
// produces one INSERT or UPDATE event; each remove of a present key deletes
// it and produces one REMOVE event without bumping the version; a remove of
// an absent key and every lock update change nothing and produce no event.
// Locks are released and the transaction record erased.
func (m *txnManager) commit(store *entryStore, locks *lockTable, ttl *ttlIndex, id string, ts int64) (CommitResult, []Event) {
	t, ok := m.txns[id]
	if !ok {
		return CommitUnknownTransactionID, nil
	}
	if t.State != TxnPrepared {
		locks.releaseAll(id)
		delete(m.txns, id)
		return CommitFailureDuringCommit, nil
	}

	events := make([]Event, 0, len(t.Prepared))
	for _, u := range t.Prepared {
		old, hadOld := store.get(u.Key)
		var oldV Versioned
		if hadOld {
			oldV = old.versioned()
		}
		switch u.Kind {
		case UpdateRemove:
			if hadOld {
				delete(store.entries, u.Key)
				ttl.remove(old.expiry(), u.Key)
				events = append(events, Event{Type: EventRemove, Key: u.Key, Old: oldV})
			}
		case UpdatePut:
			v := store.nextVersion()
			if hadOld {
				ttl.remove(old.expiry(), u.Key)
			}
			e := &Entry{Value: u.Value, Version: v, Created: ts}
			store.entries[u.Key] = e
			evType := EventInsert
			if hadOld {
				evType = EventUpdate
			}
			events = append(events, Event{Type: evType, Key: u.Key, Old: oldV, New: e.versioned()})
		case UpdateLock:
			// read-your-write assertion only; no mutation.
		}
	}

	locks.releaseAll(id)
	delete(m.txns, id)
	return CommitOK, events
}

// rollback discards staged updates and releases locks. Legal from ACTIVE or
// PREPARED.
func (m *txnManager) rollback(locks *lockTable, id string) RollbackResult {
	t, ok := m.txns[id]
	if !ok {
		return RollbackUnknownTransactionID
	}
	locks.releaseAll(id)
	t.State = TxnRolledBack
	delete(m.txns, id)
	return RollbackOK
}

// expireSession force-rolls-back every transaction owned by sessionID.
// Used when the session layer signals that a session has closed.
func (m *txnManager) expireSession(locks *lockTable, sessionID uint64) {
	for id, t := range m.txns {
		if t.HasSession && t.SessionID == sessionID {
			locks.releaseAll(id)
			delete(m.txns, id)
		}
	}
}

func (m *txnManager) sortedIDs() []string {
	ids := make([]string, 0, len(m.txns))
	for id := range m.txns {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
