package cluster

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"go.uber.org/zap"

	"github.com/kvmapd/kvmapd/internal/kvmap"
	"github.com/kvmapd/kvmapd/internal/metrics"
)

// NodeOptions configures one raft-backed kvmap replica.
type NodeOptions struct {
	NodeID        string
	RaftAddr      string
	DataDir       string
	Peers         map[string]string // nodeID -> raft addr, static bootstrap membership
	Bootstrap     bool               // whether this process may attempt to bootstrap a fresh cluster
	SnapshotEvery uint64             // apply count between forced snapshots, 0 disables
	Logger        *zap.Logger
	Sink          EventSink
}

// Node wraps a *raft.Raft instance driving a kvmap.Machine. It owns the
// BoltDB-backed log/stable store and the file snapshot store, generalized
// from the teacher's tenant-store FSM wiring to the replicated map core.
type Node struct {
	id            string
	addr          string
	raft          *raft.Raft
	fsm           *FSM
	machine       *kvmap.Machine
	log           *zap.Logger
	applies       uint64
	snapshotEvery uint64
}

// NewNode boots (or rejoins) a raft node in dataDir, wiring a fresh
// kvmap.Machine through FSM.
func NewNode(opts NodeOptions) (*Node, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(opts.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("cluster: mkdir data dir: %w", err)
	}

	machine := kvmap.NewMachine()
	fsm := NewFSM(machine, opts.Logger, opts.Sink)

	boltPath := filepath.Join(opts.DataDir, "raft-log.bolt")
	logStore, err := raftboltdb.NewBoltStore(boltPath)
	if err != nil {
		return nil, fmt.Errorf("cluster: open bolt log store: %w", err)
	}

	snapStore, err := raft.NewFileSnapshotStore(opts.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: open snapshot store: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", opts.RaftAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve raft addr %q: %w", opts.RaftAddr, err)
	}
	transport, err := raft.NewTCPTransport(opts.RaftAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("cluster: tcp transport: %w", err)
	}

	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(opts.NodeID)

	r, err := raft.NewRaft(cfg, fsm, logStore, logStore, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("cluster: new raft: %w", err)
	}

	n := &Node{id: opts.NodeID, addr: opts.RaftAddr, raft: r, fsm: fsm, machine: machine, log: opts.Logger, snapshotEvery: opts.SnapshotEvery}

	if opts.Bootstrap {
		if err := n.maybeBootstrap(opts); err != nil {
			return nil, err
		}
	}

	go n.watchLeadership()
	go n.watchLogSize(opts.DataDir)

	return n, nil
}

// maybeBootstrap follows the teacher's static-membership convention: the
// node with the lexicographically smallest id performs the one-time
// BootstrapCluster call; every other node is expected to join via
// AddVoter once it can reach the elected leader. BootstrapCluster is
// idempotent against an already-initialized log, so a restart is safe.
func (n *Node) maybeBootstrap(opts NodeOptions) error {
	ids := make([]string, 0, len(opts.Peers)+1)
	ids = append(ids, opts.NodeID)
	for id := range opts.Peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if ids[0] != opts.NodeID {
		return nil
	}

	servers := []raft.Server{{ID: raft.ServerID(opts.NodeID), Address: raft.ServerAddress(opts.RaftAddr)}}
	for id, addr := range opts.Peers {
		servers = append(servers, raft.Server{ID: raft.ServerID(id), Address: raft.ServerAddress(addr)})
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].ID < servers[j].ID })

	future := n.raft.BootstrapCluster(raft.Configuration{Servers: servers})
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		return fmt.Errorf("cluster: bootstrap: %w", err)
	}
	return nil
}

func (n *Node) watchLeadership() {
	for range n.raft.LeaderCh() {
		metrics.RaftLeadershipChanges.Inc()
	}
}

// watchLogSize periodically samples the BoltDB log file size, mirroring
// the teacher's periodic stats goroutine.
func (n *Node) watchLogSize(dataDir string) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	path := filepath.Join(dataDir, "raft-log.bolt")
	for range ticker.C {
		if st, err := os.Stat(path); err == nil {
			metrics.RaftLogSizeBytes.Set(float64(st.Size()))
		}
	}
}

// Apply submits req to the replicated log at the given logical timestamp
// and waits (bounded by ctx) for it to be committed and applied, returning
// the Response the core produced.
func (n *Node) Apply(ctx context.Context, ts int64, req kvmap.Request) (kvmap.Response, error) {
	if kvmap.IsQuery(req.Op) {
		return kvmap.Response{}, fmt.Errorf("cluster: op %d is a query, call Query instead", req.Op)
	}
	data, err := Encode(ts, req)
	if err != nil {
		return kvmap.Response{}, err
	}

	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	start := time.Now()
	future := n.raft.Apply(data, timeout)

	done := make(chan struct{})
	go func() {
		future.Error()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return kvmap.Response{}, ctx.Err()
	case <-done:
		metrics.RaftApplyLatency.Observe(float64(time.Since(start).Milliseconds()))
	}
	if err := future.Error(); err != nil {
		return kvmap.Response{}, fmt.Errorf("cluster: apply: %w", err)
	}
	switch v := future.Response().(type) {
	case kvmap.Response:
		n.applies++
		if n.snapshotEvery > 0 && n.applies%n.snapshotEvery == 0 {
			go n.forceSnapshot()
		}
		return v, nil
	case *kvmap.Error:
		return kvmap.Response{Err: v}, nil
	default:
		return kvmap.Response{}, fmt.Errorf("cluster: unexpected FSM response type %T", v)
	}
}

// forceSnapshot asks raft to take a snapshot and truncate its log, the same
// work raft's own size/interval thresholds would eventually trigger. Run
// from a goroutine so a slow snapshot never stalls the apply path that
// requested it.
func (n *Node) forceSnapshot() {
	if err := n.raft.Snapshot().Error(); err != nil && err != raft.ErrNothingNewToSnapshot {
		n.log.Warn("cluster: forced snapshot failed", zap.Error(err), zap.Uint64("applies", n.applies))
	}
}

// Query serves a read-only request directly against local state, bypassing
// the log. Callers needing linearizable reads should verify IsLeader
// first; that escalation policy lives at the transport layer, outside
// this core.
func (n *Node) Query(req kvmap.Request) (kvmap.Response, error) {
	if kvmap.IsCommand(req.Op) {
		return kvmap.Response{}, fmt.Errorf("cluster: op %d is a command, call Apply instead", req.Op)
	}
	return n.machine.Query(req), nil
}

// Drain pulls queued change events for a subscribed session.
func (n *Node) Drain(sessionID uint64) []kvmap.Event { return n.machine.Drain(sessionID) }

// Snapshot serializes current machine state via the deterministic codec,
// independent of raft's own snapshot scheduling. Used by the admin manual
// snapshot-export endpoint, not by FSM.Snapshot (which goes through the
// same codec but is driven by raft instead).
func (n *Node) Snapshot() ([]byte, error) { return n.machine.Save() }

func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

func (n *Node) LeaderID() (raft.ServerID, error) {
	_, id := n.raft.LeaderWithID()
	if id == "" {
		return "", fmt.Errorf("cluster: no known leader")
	}
	return id, nil
}

func (n *Node) NodeID() string   { return n.id }
func (n *Node) RaftAddr() string { return n.addr }

func (n *Node) Stats() map[string]string { return n.raft.Stats() }

func (n *Node) GetConfiguration(ctx context.Context) (raft.Configuration, error) {
	future := n.raft.GetConfiguration()
	errCh := make(chan error, 1)
	go func() { errCh <- future.Error() }()
	select {
	case <-ctx.Done():
		return raft.Configuration{}, ctx.Err()
	case err := <-errCh:
		if err != nil {
			return raft.Configuration{}, err
		}
		return future.Configuration(), nil
	}
}

// AddVoter is idempotent: adding the same id at the same address is a
// no-op; adding the same id at a different address removes the stale
// entry first.
func (n *Node) AddVoter(ctx context.Context, id, addr string) error {
	cfg, err := n.GetConfiguration(ctx)
	if err != nil {
		return err
	}
	for _, s := range cfg.Servers {
		if s.ID == raft.ServerID(id) {
			if s.Address == raft.ServerAddress(addr) {
				return nil
			}
			if err := n.removeServerLocked(id); err != nil {
				return err
			}
			break
		}
	}
	future := n.raft.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 10*time.Second)
	return future.Error()
}

// RemoveServer is idempotent: removing an id absent from the configuration
// is a no-op.
func (n *Node) RemoveServer(ctx context.Context, id string) error {
	cfg, err := n.GetConfiguration(ctx)
	if err != nil {
		return err
	}
	present := false
	for _, s := range cfg.Servers {
		if s.ID == raft.ServerID(id) {
			present = true
			break
		}
	}
	if !present {
		return nil
	}
	return n.removeServerLocked(id)
}

func (n *Node) removeServerLocked(id string) error {
	future := n.raft.RemoveServer(raft.ServerID(id), 0, 10*time.Second)
	return future.Error()
}

// Close performs a graceful shutdown of the raft instance.
func (n *Node) Close() error {
	future := n.raft.Shutdown()
	if err := future.Error(); err != nil {
		return fmt.Errorf("cluster: shutdown: %w", err)
	}
	return nil
}
