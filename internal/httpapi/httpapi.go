// Package httpapi is the go-chi/chi transport exposing the replicated map
// over HTTP: one route per spec operation, bearer-auth gated, backed by a
// cluster.Node for command/query routing and an optional cache.Client for
// weaker-consistency reads.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"

	"github.com/kvmapd/kvmapd/internal/audit"
	"github.com/kvmapd/kvmapd/internal/authtoken"
	"github.com/kvmapd/kvmapd/internal/cache"
	"github.com/kvmapd/kvmapd/internal/kvmap"
)

// mapNode is the subset of *cluster.Node the handlers depend on. Routing
// through an interface, rather than the concrete type, lets tests exercise
// the handlers against a fake replica without standing up real raft.
type mapNode interface {
	Apply(ctx context.Context, ts int64, req kvmap.Request) (kvmap.Response, error)
	Query(req kvmap.Request) (kvmap.Response, error)
	Drain(sessionID uint64) []kvmap.Event
	Snapshot() ([]byte, error)
	IsLeader() bool
	NodeID() string
	RaftAddr() string
	GetConfiguration(ctx context.Context) (raft.Configuration, error)
	AddVoter(ctx context.Context, id, addr string) error
	RemoveServer(ctx context.Context, id string) error
}

// Server holds every dependency the handlers need.
type Server struct {
	node     mapNode
	cache    cache.Client  // optional, may be nil
	pg       *audit.PgSink // optional durable audit sink, may be nil
	issuer   *authtoken.Issuer
	log      *zap.Logger
	clock    func() int64 // logical timestamp source for commands, overridable in tests
	applySeq uint64       // local audit sequence, distinct from the raft log index
}

// Options configures a Server.
type Options struct {
	Node   mapNode
	Cache  cache.Client
	Audit  *audit.PgSink
	Issuer *authtoken.Issuer // nil disables bearer auth
	Logger *zap.Logger
}

// NewServer wires a Server from Options.
func NewServer(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		node:   opts.Node,
		cache:  opts.Cache,
		pg:     opts.Audit,
		issuer: opts.Issuer,
		log:    log,
		clock:  func() int64 { return time.Now().UnixNano() },
	}
}

// Router builds the chi.Router exposing every map operation plus health
// and admin/cluster-membership routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID(s.log))
	r.Use(accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	r.Route("/v1/map", func(r chi.Router) {
		r.Use(bearerAuth(s.issuer))

		r.Get("/size", s.handleSize)
		r.Get("/empty", s.handleIsEmpty)
		r.Get("/keys", s.handleKeySet)
		r.Get("/values", s.handleValues)
		r.Get("/entries", s.handleEntrySet)
		r.Post("/clear", s.handleClear)
		r.Post("/contains-value", s.handleContainsValue)
		r.Post("/get-all-present", s.handleGetAllPresent)

		r.Route("/keys/{key}", func(r chi.Router) {
			r.Head("/", s.handleContainsKey)
			r.Get("/", s.handleGet)
			r.Put("/", s.handlePut)
			r.Delete("/", s.handleRemove)
			r.Post("/put-if-absent", s.handlePutIfAbsent)
			r.Post("/replace", s.handleReplace)
			r.Post("/get-or-default", s.handleGetOrDefault)
		})

		r.Post("/listeners/{sessionID}", s.handleAddListener)
		r.Delete("/listeners/{sessionID}", s.handleRemoveListener)
		r.Get("/listeners/{sessionID}/events", s.handleDrain)
		r.Post("/sessions/{sessionID}/expire", s.handleSessionExpire)

		r.Route("/txn", func(r chi.Router) {
			r.Post("/begin", s.handleBegin)
			r.Post("/prepare", s.handlePrepare)
			r.Post("/prepare-and-commit", s.handlePrepareAndCommit)
			r.Post("/{id}/commit", s.handleCommit)
			r.Post("/{id}/rollback", s.handleRollback)
		})
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(bearerAuth(s.issuer))
		r.Get("/cluster", s.handleClusterConfig)
		r.Post("/cluster/voters/{id}", s.handleAddVoter)
		r.Delete("/cluster/voters/{id}", s.handleRemoveVoter)
		r.Post("/snapshot", s.handleSnapshotExport)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.node == nil || !s.node.IsLeader() {
		writeJSON(w, http.StatusOK, map[string]any{"leader": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leader": true})
}
