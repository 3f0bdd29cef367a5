package kvmap

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// snapshotMagic and snapshotFormatVersion identify the wire format so a
// replica never mistakes a foreign byte stream for one of its own
// snapshots.
const (
	snapshotMagic         uint32 = 0x4b564d50 // "KVMP"
	snapshotFormatVersion uint16 = 1
)

// Save produces a deterministic, self-describing byte image of the
// machine's full state: header, entries (sorted by key), TTL-index
// entries (sorted by expiry then key), active transactions (sorted by
// id), and listener subscriptions (sorted by session id). A blake2b-256
// checksum trails the payload so Load can detect corruption.
func (m *Machine) Save() ([]byte, error) {
	var body bytes.Buffer

	writeU64(&body, m.store.version)

	keys := m.store.sortedKeys()
	writeU32(&body, uint32(len(keys)))
	for _, k := range keys {
		e := m.store.entries[k]
		writeString(&body, k)
		writeBytes(&body, e.Value)
		writeU64(&body, e.Version)
		writeI64(&body, e.Created)
		writeI64(&body, e.TTL)
	}

	nodes := m.ttl.snapshot()
	writeU32(&body, uint32(len(nodes)))
	for _, n := range nodes {
		writeI64(&body, n.expiry)
		writeString(&body, n.key)
	}

	txnIDs := m.txns.sortedIDs()
	writeU32(&body, uint32(len(txnIDs)))
	for _, id := range txnIDs {
		t := m.txns.txns[id]
		writeString(&body, t.ID)
		writeU32(&body, uint32(t.State))
		writeU64(&body, t.StartVer)
		writeU64(&body, t.SessionID)
		if t.HasSession {
			body.WriteByte(1)
		} else {
			body.WriteByte(0)
		}
		writeU32(&body, uint32(len(t.Prepared)))
		for _, u := range t.Prepared {
			writeU32(&body, uint32(u.Kind))
			writeString(&body, u.Key)
			writeBytes(&body, u.Value)
			writeU64(&body, u.ExpectedVersion)
		}
	}

	sessIDs := m.listeners.sortedSessionIDs()
	writeU32(&body, uint32(len(sessIDs)))
	for _, sid := range sessIDs {
		writeU64(&body, sid)
		q := m.listeners.subscribers[sid]
		writeU32(&body, uint32(len(q.events)))
		for _, ev := range q.events {
			writeEvent(&body, ev)
		}
	}

	var out bytes.Buffer
	writeU32(&out, snapshotMagic)
	var versionBuf [2]byte
	binary.BigEndian.PutUint16(versionBuf[:], snapshotFormatVersion)
	out.Write(versionBuf[:])
	out.Write(body.Bytes())

	sum := blake2b.Sum256(out.Bytes())
	out.Write(sum[:])
	return out.Bytes(), nil
}

// Load replaces the machine's state with the one encoded in data, after
// verifying the trailing checksum. A mismatch or truncated stream returns
// a fatal KindSnapshotCorrupt error; the caller (the consensus layer) must
// abort the replica rather than continue with partial state.
func (m *Machine) Load(data []byte) error {
	if len(data) < 6+32 {
		return newErr(KindSnapshotCorrupt, "truncated snapshot (%d bytes)", len(data))
	}
	payload := data[:len(data)-32]
	wantSum := data[len(data)-32:]
	gotSum := blake2b.Sum256(payload)
	if !bytes.Equal(gotSum[:], wantSum) {
		return newErr(KindSnapshotCorrupt, "checksum mismatch")
	}

	r := bytes.NewReader(payload)
	magic, err := readU32(r)
	if err != nil || magic != snapshotMagic {
		return newErr(KindSnapshotCorrupt, "bad magic")
	}
	var versionBuf [2]byte
	if _, err := r.Read(versionBuf[:]); err != nil {
		return newErr(KindSnapshotCorrupt, "truncated format version")
	}
	if binary.BigEndian.Uint16(versionBuf[:]) != snapshotFormatVersion {
		return newErr(KindSnapshotCorrupt, "unsupported format version")
	}

	store := newEntryStore()
	version, err := readU64(r)
	if err != nil {
		return newErr(KindSnapshotCorrupt, "version: %v", err)
	}
	store.version = version

	n, err := readU32(r)
	if err != nil {
		return newErr(KindSnapshotCorrupt, "entry count: %v", err)
	}
	for i := uint32(0); i < n; i++ {
		key, err := readString(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "entry key: %v", err)
		}
		value, err := readBytes(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "entry value: %v", err)
		}
		ver, err := readU64(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "entry version: %v", err)
		}
		created, err := readI64(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "entry created: %v", err)
		}
		ttlv, err := readI64(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "entry ttl: %v", err)
		}
		store.entries[key] = &Entry{Value: value, Version: ver, Created: created, TTL: ttlv}
	}

	ttl := newTTLIndex()
	n, err = readU32(r)
	if err != nil {
		return newErr(KindSnapshotCorrupt, "ttl count: %v", err)
	}
	for i := uint32(0); i < n; i++ {
		expiry, err := readI64(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "ttl expiry: %v", err)
		}
		key, err := readString(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "ttl key: %v", err)
		}
		ttl.nodes = append(ttl.nodes, ttlNode{expiry: expiry, key: key})
	}

	txns := newTxnManager()
	n, err = readU32(r)
	if err != nil {
		return newErr(KindSnapshotCorrupt, "txn count: %v", err)
	}
	for i := uint32(0); i < n; i++ {
		id, err := readString(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "txn id: %v", err)
		}
		state, err := readU32(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "txn state: %v", err)
		}
		startVer, err := readU64(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "txn startver: %v", err)
		}
		sessionID, err := readU64(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "txn session id: %v", err)
		}
		hasSessionByte, err := r.ReadByte()
		if err != nil {
			return newErr(KindSnapshotCorrupt, "txn has-session flag: %v", err)
		}
		upCount, err := readU32(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "txn update count: %v", err)
		}
		ups := make([]Update, 0, upCount)
		for j := uint32(0); j < upCount; j++ {
			uk, err := readU32(r)
			if err != nil {
				return newErr(KindSnapshotCorrupt, "update kind: %v", err)
			}
			key, err := readString(r)
			if err != nil {
				return newErr(KindSnapshotCorrupt, "update key: %v", err)
			}
			val, err := readBytes(r)
			if err != nil {
				return newErr(KindSnapshotCorrupt, "update value: %v", err)
			}
			ev, err := readU64(r)
			if err != nil {
				return newErr(KindSnapshotCorrupt, "update expected version: %v", err)
			}
			ups = append(ups, Update{Kind: UpdateKind(uk), Key: key, Value: val, ExpectedVersion: ev})
		}
		txns.txns[id] = &Transaction{ID: id, State: TransactionState(state), StartVer: startVer, Prepared: ups, SessionID: sessionID, HasSession: hasSessionByte == 1}
	}

	listeners := newListenerRegistry()
	n, err = readU32(r)
	if err != nil {
		return newErr(KindSnapshotCorrupt, "listener count: %v", err)
	}
	for i := uint32(0); i < n; i++ {
		sid, err := readU64(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "session id: %v", err)
		}
		evCount, err := readU32(r)
		if err != nil {
			return newErr(KindSnapshotCorrupt, "event count: %v", err)
		}
		q := &listenerQueue{}
		for j := uint32(0); j < evCount; j++ {
			ev, err := readEvent(r)
			if err != nil {
				return newErr(KindSnapshotCorrupt, "event: %v", err)
			}
			q.events = append(q.events, ev)
		}
		listeners.subscribers[sid] = q
	}

	m.store = store
	m.ttl = ttl
	// Lock state is not persisted on its own: it is entirely derived from
	// which transactions are PREPARED, so it is rebuilt here by replaying
	// each PREPARED transaction's staged keys against a fresh lockTable.
	m.locks = newLockTable()
	for _, t := range txns.txns {
		if t.State != TxnPrepared {
			continue
		}
		for _, u := range t.Prepared {
			m.locks.acquire(u.Key, t.ID)
		}
	}
	m.txns = txns
	m.listeners = listeners
	return nil
}

func writeEvent(b *bytes.Buffer, ev Event) {
	writeU32(b, uint32(ev.Type))
	writeString(b, ev.Key)
	writeVersioned(b, ev.Old)
	writeVersioned(b, ev.New)
}

func readEvent(r *bytes.Reader) (Event, error) {
	t, err := readU32(r)
	if err != nil {
		return Event{}, err
	}
	key, err := readString(r)
	if err != nil {
		return Event{}, err
	}
	old, err := readVersioned(r)
	if err != nil {
		return Event{}, err
	}
	nw, err := readVersioned(r)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: EventType(t), Key: key, Old: old, New: nw}, nil
}

func writeVersioned(b *bytes.Buffer, v Versioned) {
	writeBytes(b, v.Value)
	if v.Present {
		b.WriteByte(1)
	} else {
		b.WriteByte(0)
	}
	writeU64(b, v.Version)
	writeI64(b, v.Created)
}

func readVersioned(r *bytes.Reader) (Versioned, error) {
	val, err := readBytes(r)
	if err != nil {
		return Versioned{}, err
	}
	present, err := r.ReadByte()
	if err != nil {
		return Versioned{}, err
	}
	ver, err := readU64(r)
	if err != nil {
		return Versioned{}, err
	}
	created, err := readI64(r)
	if err != nil {
		return Versioned{}, err
	}
	return Versioned{Value: val, Present: present == 1, Version: ver, Created: created}, nil
}

func writeU32(b *bytes.Buffer, v uint32) {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	b.Write(buf[:])
}

func writeU64(b *bytes.Buffer, v uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	b.Write(buf[:])
}

func writeI64(b *bytes.Buffer, v int64) { writeU64(b, uint64(v)) }

func writeString(b *bytes.Buffer, s string) { writeBytes(b, []byte(s)) }

func writeBytes(b *bytes.Buffer, v []byte) {
	writeU32(b, uint32(len(v)))
	b.Write(v)
}

func readU32(r *bytes.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var buf [8]byte
	if _, err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

func readI64(r *bytes.Reader) (int64, error) {
	v, err := readU64(r)
	return int64(v), err
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU32(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, fmt.Errorf("short read: %w", err)
		}
	}
	return total, nil
}
