package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kvmapd/kvmapd/internal/logger"
	"github.com/kvmapd/kvmapd/internal/util/atomicwrite"
)

// snapshotArchiveDir is where handleSnapshotExport archives a copy of
// every manually-triggered snapshot, independent of raft's own rotating
// FileSnapshotStore. Empty disables archiving; the snapshot bytes are
// still returned in the response either way.
var snapshotArchiveDir string

// SetSnapshotArchiveDir configures the directory handleSnapshotExport
// archives manual snapshots into. Called once from main during startup.
func SetSnapshotArchiveDir(dir string) { snapshotArchiveDir = dir }

type clusterConfigDTO struct {
	NodeID   string      `json:"node_id"`
	RaftAddr string      `json:"raft_addr"`
	IsLeader bool        `json:"is_leader"`
	Servers  []serverDTO `json:"servers"`
}

type serverDTO struct {
	ID       string `json:"id"`
	Address  string `json:"address"`
	Suffrage string `json:"suffrage"`
}

func (s *Server) handleClusterConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), applyTimeout)
	defer cancel()
	cfg, err := s.node.GetConfiguration(ctx)
	if err != nil {
		writeError(w, errInternal)
		return
	}
	out := clusterConfigDTO{
		NodeID:   s.node.NodeID(),
		RaftAddr: s.node.RaftAddr(),
		IsLeader: s.node.IsLeader(),
	}
	for _, srv := range cfg.Servers {
		out.Servers = append(out.Servers, serverDTO{ID: string(srv.ID), Address: string(srv.Address), Suffrage: srv.Suffrage.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

type addVoterRequestDTO struct {
	Address string `json:"address"`
}

func (s *Server) handleAddVoter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body addVoterRequestDTO
	if err := decodeJSON(r, &body); err != nil || body.Address == "" {
		writeError(w, errInvalidJSON)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), applyTimeout)
	defer cancel()
	if err := s.node.AddVoter(ctx, id, body.Address); err != nil {
		logger.From(ctx).Error("httpapi: add voter failed", logger.NodeID(id), logger.Err(err))
		writeError(w, errInternal)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveVoter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), applyTimeout)
	defer cancel()
	if err := s.node.RemoveServer(ctx, id); err != nil {
		logger.From(ctx).Error("httpapi: remove voter failed", logger.NodeID(id), logger.Err(err))
		writeError(w, errInternal)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSnapshotExport triggers an out-of-band snapshot of current state,
// archives it atomically to disk (if configured) alongside raft's own
// snapshot store, and streams the bytes back to the caller.
func (s *Server) handleSnapshotExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.node.Snapshot()
	if err != nil {
		writeError(w, errInternal)
		return
	}
	if snapshotArchiveDir != "" {
		name := fmt.Sprintf("manual-%s-%d.kvmapsnap", s.node.NodeID(), time.Now().UnixNano())
		path := filepath.Join(snapshotArchiveDir, name)
		if err := atomicwrite.AtomicWriteFile(path, data, 0o644); err != nil {
			logger.From(r.Context()).Warn("httpapi: archive snapshot failed", logger.Err(err))
		}
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="snapshot.kvmapsnap"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
