package cluster

import (
	"fmt"
	"io"

	"github.com/hashicorp/raft"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kvmapd/kvmapd/internal/kvmap"
	"github.com/kvmapd/kvmapd/internal/metrics"
	"github.com/kvmapd/kvmapd/internal/security/secretbox"
)

// EventSink receives the events queued for one subscribed session, after a
// command has been applied, for fan-out on that session's own channel. It
// is the boundary between the deterministic core and the external session
// layer (spec §1, §4.5). Apply calls Publish synchronously and ignores
// delivery outcome: Publish returns nothing, so a sink reports its own
// failures.
type EventSink interface {
	Publish(sessionID uint64, events []kvmap.Event)
}

// FSM bridges hashicorp/raft to the deterministic kvmap core. It is
// deterministic itself: Apply only decodes and delegates, it never
// generates IDs, and its only wall-clock read (metricsNow) feeds the
// latency histogram, never replicated state.
type FSM struct {
	machine *kvmap.Machine
	log     *zap.Logger
	sink    EventSink
	snapSF  singleflight.Group
}

// NewFSM constructs an FSM around a fresh (or restored) Machine. sink may
// be nil, in which case produced events are simply dropped by the FSM and
// must be retrieved by polling Machine.Drain through another path.
func NewFSM(machine *kvmap.Machine, log *zap.Logger, sink EventSink) *FSM {
	if log == nil {
		log = zap.NewNop()
	}
	return &FSM{machine: machine, log: log, sink: sink}
}

// Apply decodes the Command and calls into the core. It is deterministic:
// given the same log entry on every replica, it produces the same
// Response and the same resulting state.
func (f *FSM) Apply(l *raft.Log) interface{} {
	if l == nil || len(l.Data) == 0 {
		return nil
	}
	start := metricsNow()
	cmd, err := Decode(l.Data)
	if err != nil {
		f.log.Error("fsm: malformed log entry", zap.Error(err), zap.Uint64("index", l.Index))
		return &kvmap.Error{Kind: kvmap.KindMalformedCommand, Detail: err.Error()}
	}
	resp := f.machine.Apply(cmd.Request, cmd.Timestamp)
	metrics.ObserveApply(metricsNow() - start)
	metrics.CommandsTotal.WithLabelValues(cmd.Request.Op.String()).Inc()
	if resp.ExpiredCount > 0 {
		metrics.TTLExpirationsTotal.Add(float64(resp.ExpiredCount))
	}
	switch cmd.Request.Op {
	case kvmap.OpCommit:
		metrics.TransactionsTotal.WithLabelValues(resp.CommitResult.String()).Inc()
	case kvmap.OpRollback:
		metrics.TransactionsTotal.WithLabelValues(resp.RollbackResult.String()).Inc()
	case kvmap.OpPrepareAndCommit:
		if resp.PrepareResult == kvmap.PrepareOK {
			metrics.TransactionsTotal.WithLabelValues(resp.CommitResult.String()).Inc()
		} else {
			metrics.TransactionsTotal.WithLabelValues(resp.PrepareResult.String()).Inc()
		}
	}
	if f.sink != nil {
		var queued int
		for _, sid := range f.machine.SubscriberIDs() {
			events := f.machine.Drain(sid)
			queued += len(events)
			if len(events) == 0 {
				continue
			}
			f.sink.Publish(sid, events)
		}
		metrics.ListenerQueueDepth.Set(float64(queued))
	}
	return resp
}

// metricsNow exists so FSM.Apply never calls time.Now() itself in a way
// that could be mistaken for influencing replicated state: it is used only
// to time the handler for the apply-latency histogram, a purely local,
// non-deterministic observability side effect.
func metricsNow() int64 { return metrics.NowUnixNano() }

// Snapshot returns a raft.FSMSnapshot that serializes the machine's
// current state via kvmap's deterministic codec. Concurrent snapshot
// requests (e.g. a manual trigger racing log-size-driven compaction) are
// deduplicated with singleflight so only one Save() runs at a time.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	v, err, _ := f.snapSF.Do("snapshot", func() (interface{}, error) {
		return f.machine.Save()
	})
	if err != nil {
		return nil, fmt.Errorf("fsm: snapshot: %w", err)
	}
	return &machineSnapshot{data: v.([]byte)}, nil
}

// Restore replaces the machine's state with the snapshot stream's
// contents. Corruption is fatal: the caller must not continue serving
// this replica.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("fsm: read snapshot stream: %w", err)
	}
	if len(data) > 0 && data[0] == snapshotEncryptedMarker {
		plain, err := secretbox.Decrypt(string(data[1:]))
		if err != nil {
			return fmt.Errorf("fsm: decrypt snapshot: %w", err)
		}
		data = []byte(plain)
	} else if len(data) > 0 {
		data = data[1:]
	}
	if err := f.machine.Load(data); err != nil {
		f.log.Error("fsm: snapshot corrupt, aborting restore", zap.Error(err))
		return err
	}
	return nil
}

// snapshotEncryptedMarker / snapshotPlainMarker prefix every persisted
// snapshot stream so Restore can tell, without consulting config, whether
// the bytes that follow need secretbox.Decrypt. This lets a replica whose
// SECRETBOX_MASTER_KEY changes (or is removed) between restarts still read
// snapshots written under the previous setting, as long as the key is
// available when needed.
const (
	snapshotPlainMarker     byte = 0x00
	snapshotEncryptedMarker byte = 0xE1
)

type machineSnapshot struct {
	data []byte
}

func (s *machineSnapshot) Persist(sink raft.SnapshotSink) error {
	start := metricsNow()
	defer func() {
		metrics.SnapshotDuration.Observe(float64(metricsNow()-start) / 1e6)
	}()
	var out []byte
	if secretbox.IsSecretBoxReady() {
		ct, err := secretbox.Encrypt(string(s.data))
		if err != nil {
			_ = sink.Cancel()
			return fmt.Errorf("fsm: encrypt snapshot: %w", err)
		}
		out = append([]byte{snapshotEncryptedMarker}, []byte(ct)...)
	} else {
		out = append([]byte{snapshotPlainMarker}, s.data...)
	}
	if _, err := sink.Write(out); err != nil {
		_ = sink.Cancel()
		return fmt.Errorf("fsm: persist snapshot: %w", err)
	}
	metrics.SnapshotBytes.Observe(float64(len(out)))
	return sink.Close()
}

func (s *machineSnapshot) Release() {}
