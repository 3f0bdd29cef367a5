package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kvmapd/kvmapd/internal/kvmap"
	"github.com/kvmapd/kvmapd/internal/logger"
)

const applyTimeout = 10 * time.Second

func (s *Server) apply(w http.ResponseWriter, r *http.Request, req kvmap.Request) (kvmap.Response, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), applyTimeout)
	defer cancel()
	resp, err := s.node.Apply(ctx, s.clock(), req)
	if err != nil {
		if ctx.Err() != nil {
			writeError(w, errTimeout)
		} else {
			writeError(w, errInternal)
		}
		return kvmap.Response{}, false
	}
	if resp.Err != nil {
		writeKindError(w, resp.Err)
		return kvmap.Response{}, false
	}
	s.recordAudit(r.Context(), req)
	return resp, true
}

// recordAudit persists a durable row for a successfully applied mutation
// to the optional Postgres sink. Best-effort: a failure here never fails
// the request, since the audit sink is a side channel outside the
// replicated log (SPEC_FULL.md §1.5).
func (s *Server) recordAudit(ctx context.Context, req kvmap.Request) {
	if s.pg == nil {
		return
	}
	seq := atomic.AddUint64(&s.applySeq, 1)
	if err := s.pg.Record(ctx, seq, req.Op.String(), req.Key, req.TransactionID, nil); err != nil {
		logger.From(ctx).Warn("httpapi: audit record failed", logger.Err(err))
	}
}

func (s *Server) query(w http.ResponseWriter, req kvmap.Request) (kvmap.Response, bool) {
	resp, err := s.node.Query(req)
	if err != nil {
		writeError(w, errInternal)
		return kvmap.Response{}, false
	}
	if resp.Err != nil {
		writeKindError(w, resp.Err)
		return kvmap.Response{}, false
	}
	return resp, true
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

func (s *Server) handleSize(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.query(w, kvmap.Request{Op: kvmap.OpSize})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"size": resp.Int})
}

func (s *Server) handleIsEmpty(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.query(w, kvmap.Request{Op: kvmap.OpIsEmpty})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"empty": resp.Bool})
}

func (s *Server) handleKeySet(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.query(w, kvmap.Request{Op: kvmap.OpKeySet})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"keys": resp.Keys})
}

func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.query(w, kvmap.Request{Op: kvmap.OpValues})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string][][]byte{"values": resp.Values})
}

func (s *Server) handleEntrySet(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.query(w, kvmap.Request{Op: kvmap.OpEntrySet})
	if !ok {
		return
	}
	out := make(map[string]versionedDTO, len(resp.Entries))
	for k, v := range resp.Entries {
		out[k] = toVersionedDTO(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleContainsValue(w http.ResponseWriter, r *http.Request) {
	var body containsValueRequestDTO
	if err := decodeJSON(r, &body); err != nil || body.Value == nil {
		writeError(w, errInvalidJSON)
		return
	}
	resp, ok := s.query(w, kvmap.Request{Op: kvmap.OpContainsValue, Value: body.Value})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"contains": resp.Bool})
}

func (s *Server) handleGetAllPresent(w http.ResponseWriter, r *http.Request) {
	var body getAllPresentRequestDTO
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, errInvalidJSON)
		return
	}
	resp, ok := s.query(w, kvmap.Request{Op: kvmap.OpGetAllPresent, Keys: body.Keys})
	if !ok {
		return
	}
	out := make(map[string]versionedDTO, len(resp.VersionedMap))
	for k, v := range resp.VersionedMap {
		out[k] = toVersionedDTO(v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleContainsKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	resp, ok := s.query(w, kvmap.Request{Op: kvmap.OpContainsKey, Key: key})
	if !ok {
		return
	}
	if !resp.Bool {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// consistencyLevel is the read-path strength a client selects with the
// `?consistency=` query parameter on a get. Linearizable levels ("leader",
// "quorum") always bypass the cache and read current state off this node;
// only "local" (the default) is cache-eligible, trading staleness for
// latency per SPEC_FULL.md §2.1.
type consistencyLevel int

const (
	consistencyLocal consistencyLevel = iota
	consistencyLeader
	consistencyQuorum
)

func parseConsistency(r *http.Request) (consistencyLevel, bool) {
	switch r.URL.Query().Get("consistency") {
	case "", "local":
		return consistencyLocal, true
	case "leader":
		return consistencyLeader, true
	case "quorum":
		return consistencyQuorum, true
	default:
		return consistencyLocal, false
	}
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	level, ok := parseConsistency(r)
	if !ok {
		writeError(w, errBadRequest)
		return
	}
	linearizable := level == consistencyLeader || level == consistencyQuorum
	if linearizable && !s.node.IsLeader() {
		writeError(w, errNotLeader)
		return
	}

	if !linearizable && s.cache != nil {
		if cached, err := s.cache.Get(r.Context(), key); err == nil {
			v, err := decodeCachedVersioned(cached)
			if err == nil {
				logger.From(r.Context()).Debug("httpapi: served get from cache", logger.Key(key))
				writeJSON(w, http.StatusOK, toVersionedDTO(v))
				return
			}
			logger.From(r.Context()).Warn("httpapi: dropping undecodable cache entry", logger.Key(key), logger.Err(err))
		}
	}
	resp, found := s.query(w, kvmap.Request{Op: kvmap.OpGet, Key: key})
	if !found {
		return
	}
	if !resp.Versioned.Present {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if !linearizable && s.cache != nil {
		if b, err := encodeCachedVersioned(resp.Versioned); err == nil {
			_ = s.cache.Set(r.Context(), key, b, 0)
		}
	}
	writeJSON(w, http.StatusOK, toVersionedDTO(resp.Versioned))
}

// encodeCachedVersioned/decodeCachedVersioned round-trip a kvmap.Versioned
// through cache.Client's []byte-only Get/Set, so a cache hit on handleGet
// carries the same version/creation-time metadata a core read would (the
// Versioned<bytes> contract in spec.md §6), not just the raw value bytes.
func encodeCachedVersioned(v kvmap.Versioned) ([]byte, error) {
	return json.Marshal(v)
}

func decodeCachedVersioned(b []byte) (kvmap.Versioned, error) {
	var v kvmap.Versioned
	if err := json.Unmarshal(b, &v); err != nil {
		return kvmap.Versioned{}, err
	}
	return v, nil
}

func (s *Server) handleGetOrDefault(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body getOrDefaultRequestDTO
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, errInvalidJSON)
		return
	}
	resp, ok := s.query(w, kvmap.Request{Op: kvmap.OpGetOrDefault, Key: key, Default: body.Default})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toVersionedDTO(resp.Versioned))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body putRequestDTO
	if err := decodeJSON(r, &body); err != nil || body.Value == nil {
		writeError(w, errInvalidJSON)
		return
	}
	resp, ok := s.apply(w, r, kvmap.Request{Op: kvmap.OpPutAndGet, Key: key, Value: body.Value, TTL: body.TTL})
	if !ok {
		return
	}
	if s.cache != nil {
		_ = s.cache.Delete(r.Context(), key)
	}
	writeJSON(w, updateStatusCode(resp.Update.Status), toUpdateDTO(resp.Update))
}

func (s *Server) handlePutIfAbsent(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body putRequestDTO
	if err := decodeJSON(r, &body); err != nil || body.Value == nil {
		writeError(w, errInvalidJSON)
		return
	}
	resp, ok := s.apply(w, r, kvmap.Request{Op: kvmap.OpPutIfAbsent, Key: key, Value: body.Value, TTL: body.TTL})
	if !ok {
		return
	}
	writeJSON(w, updateStatusCode(resp.Update.Status), toUpdateDTO(resp.Update))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body removeRequestDTO
	_ = decodeJSON(r, &body) // absent body means unconditional remove

	req := kvmap.Request{Op: kvmap.OpRemove, Key: key}
	if body.Value != nil {
		req.Op = kvmap.OpRemoveValue
		req.Value = body.Value
	} else if body.Version != nil {
		req.Op = kvmap.OpRemoveVersion
		req.ExpectedVersion = *body.Version
	}
	resp, ok := s.apply(w, r, req)
	if !ok {
		return
	}
	if s.cache != nil {
		_ = s.cache.Delete(r.Context(), key)
	}
	writeJSON(w, updateStatusCode(resp.Update.Status), toUpdateDTO(resp.Update))
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body replaceRequestDTO
	if err := decodeJSON(r, &body); err != nil || body.NewValue == nil {
		writeError(w, errInvalidJSON)
		return
	}
	req := kvmap.Request{Op: kvmap.OpReplace, Key: key, NewValue: body.NewValue}
	switch {
	case body.OldValue != nil:
		req.Op = kvmap.OpReplaceValue
		req.OldValue = body.OldValue
	case body.OldVersion != nil:
		req.Op = kvmap.OpReplaceVersion
		req.ExpectedVersion = *body.OldVersion
	}
	resp, ok := s.apply(w, r, req)
	if !ok {
		return
	}
	if s.cache != nil {
		_ = s.cache.Delete(r.Context(), key)
	}
	writeJSON(w, updateStatusCode(resp.Update.Status), toUpdateDTO(resp.Update))
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	resp, ok := s.apply(w, r, kvmap.Request{Op: kvmap.OpClear})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventDTOs(resp.Events)})
}

func sessionIDParam(r *http.Request) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, "sessionID"), 10, 64)
}

func (s *Server) handleAddListener(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, errBadRequest)
		return
	}
	if _, ok := s.apply(w, r, kvmap.Request{Op: kvmap.OpAddListener, SessionID: id}); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveListener(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, errBadRequest)
		return
	}
	if _, ok := s.apply(w, r, kvmap.Request{Op: kvmap.OpRemoveListener, SessionID: id}); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDrain pulls queued events directly from local state: it is
// intentionally not routed through apply/query, since draining a
// session's own queue mutates no replicated state and has nothing to do
// with the raft log.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, errBadRequest)
		return
	}
	events := s.node.Drain(id)
	writeJSON(w, http.StatusOK, map[string]any{"events": toEventDTOs(events)})
}

// handleSessionExpire forces rollback of every transaction a closed session
// still owns. A gateway that owns session lifecycle (the external layer
// spec.md §9 leaves outside the core) calls this once it has observed the
// session close; the core never times one out on its own.
func (s *Server) handleSessionExpire(w http.ResponseWriter, r *http.Request) {
	id, err := sessionIDParam(r)
	if err != nil {
		writeError(w, errBadRequest)
		return
	}
	if _, ok := s.apply(w, r, kvmap.Request{Op: kvmap.OpSessionExpire, SessionID: id}); !ok {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBegin(w http.ResponseWriter, r *http.Request) {
	var body beginRequestDTO
	if err := decodeJSON(r, &body); err != nil || body.TransactionID == "" {
		writeError(w, errInvalidJSON)
		return
	}
	resp, ok := s.query(w, kvmap.Request{Op: kvmap.OpBegin, TransactionID: body.TransactionID, SessionID: body.SessionID})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"start_version": resp.StartVersion})
}

func (s *Server) handlePrepare(w http.ResponseWriter, r *http.Request) {
	var body transactionLogDTO
	if err := decodeJSON(r, &body); err != nil || body.TransactionID == "" {
		writeError(w, errInvalidJSON)
		return
	}
	resp, ok := s.apply(w, r, kvmap.Request{Op: kvmap.OpPrepare, Log: body.toLog(), SessionID: body.SessionID})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": resp.PrepareResult.String()})
}

func (s *Server) handlePrepareAndCommit(w http.ResponseWriter, r *http.Request) {
	var body transactionLogDTO
	if err := decodeJSON(r, &body); err != nil || body.TransactionID == "" {
		writeError(w, errInvalidJSON)
		return
	}
	resp, ok := s.apply(w, r, kvmap.Request{Op: kvmap.OpPrepareAndCommit, Log: body.toLog(), SessionID: body.SessionID})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": resp.PrepareResult.String(),
		"events": toEventDTOs(resp.Events),
	})
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp, ok := s.apply(w, r, kvmap.Request{Op: kvmap.OpCommit, TransactionID: id})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result": resp.CommitResult.String(),
		"events": toEventDTOs(resp.Events),
	})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resp, ok := s.apply(w, r, kvmap.Request{Op: kvmap.OpRollback, TransactionID: id})
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": resp.RollbackResult.String()})
}
