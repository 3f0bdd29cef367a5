package httpapi

import "github.com/kvmapd/kvmapd/internal/kvmap"

// These DTOs are the wire shape; []byte fields marshal as base64 strings
// via encoding/json's default []byte handling, matching the teacher's
// convention of never hand-rolling base64 in handlers.

type versionedDTO struct {
	Value   []byte `json:"value,omitempty"`
	Present bool   `json:"present"`
	Version uint64 `json:"version"`
	Created int64  `json:"created"`
}

func toVersionedDTO(v kvmap.Versioned) versionedDTO {
	return versionedDTO{Value: v.Value, Present: v.Present, Version: v.Version, Created: v.Created}
}

type updateDTO struct {
	Status string       `json:"status"`
	Key    string       `json:"key"`
	Old    versionedDTO `json:"old"`
	New    versionedDTO `json:"new"`
}

func toUpdateDTO(u kvmap.MapEntryUpdateResult) updateDTO {
	return updateDTO{Status: u.Status.String(), Key: u.Key, Old: toVersionedDTO(u.Old), New: toVersionedDTO(u.New)}
}

// updateStatusCode maps a kvmap.Status to the HTTP status a client should
// see: OK succeeded, NOOP is still a 200 (idempotent no-op, not an error),
// WRITE_LOCK and PRECONDITION_FAILED are 409/412 respectively.
func updateStatusCode(s kvmap.Status) int {
	switch s {
	case kvmap.StatusOK, kvmap.StatusNoop:
		return 200
	case kvmap.StatusWriteLock:
		return 409
	case kvmap.StatusPreconditionFailed:
		return 412
	default:
		return 500
	}
}

type eventDTO struct {
	Type string       `json:"type"`
	Key  string       `json:"key"`
	Old  versionedDTO `json:"old"`
	New  versionedDTO `json:"new"`
}

func toEventDTOs(evs []kvmap.Event) []eventDTO {
	out := make([]eventDTO, 0, len(evs))
	for _, e := range evs {
		out = append(out, eventDTO{Type: e.Type.String(), Key: e.Key, Old: toVersionedDTO(e.Old), New: toVersionedDTO(e.New)})
	}
	return out
}

type putRequestDTO struct {
	Value []byte `json:"value"`
	TTL   int64  `json:"ttl,omitempty"`
}

type replaceRequestDTO struct {
	NewValue        []byte  `json:"new_value"`
	OldValue        []byte  `json:"old_value,omitempty"`
	OldVersion      *uint64 `json:"old_version,omitempty"`
}

type removeRequestDTO struct {
	Value   []byte  `json:"value,omitempty"`
	Version *uint64 `json:"version,omitempty"`
}

type containsValueRequestDTO struct {
	Value []byte `json:"value"`
}

type getAllPresentRequestDTO struct {
	Keys []string `json:"keys"`
}

type getOrDefaultRequestDTO struct {
	Default []byte `json:"default"`
}

type beginRequestDTO struct {
	TransactionID string `json:"transaction_id"`
	// SessionID, if set, records the session that owns this transaction so
	// a later session-expire command can find and roll it back. Optional:
	// a transaction started with no session is held indefinitely.
	SessionID uint64 `json:"session_id,omitempty"`
}

type updateOpDTO struct {
	Kind            string `json:"kind"`
	Key             string `json:"key"`
	Value           []byte `json:"value,omitempty"`
	ExpectedVersion uint64 `json:"expected_version,omitempty"`
}

func (d updateOpDTO) toUpdate() kvmap.Update {
	k := kvmap.UpdatePut
	switch d.Kind {
	case "remove":
		k = kvmap.UpdateRemove
	case "lock":
		k = kvmap.UpdateLock
	}
	return kvmap.Update{Kind: k, Key: d.Key, Value: d.Value, ExpectedVersion: d.ExpectedVersion}
}

type transactionLogDTO struct {
	TransactionID string        `json:"transaction_id"`
	Version       uint64        `json:"version"`
	Updates       []updateOpDTO `json:"updates"`
	SessionID     uint64        `json:"session_id,omitempty"`
}

func (d transactionLogDTO) toLog() kvmap.TransactionLog {
	updates := make([]kvmap.Update, 0, len(d.Updates))
	for _, u := range d.Updates {
		updates = append(updates, u.toUpdate())
	}
	return kvmap.TransactionLog{TransactionID: d.TransactionID, Version: d.Version, Updates: updates}
}
