// Package cluster wires the deterministic kvmap core into hashicorp/raft:
// Command is the wire envelope carried in raft.Log.Data, FSM decodes and
// applies it, and Node owns the raft.Raft instance, its transport, and its
// membership operations.
package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/kvmapd/kvmapd/internal/kvmap"
)

// Command is the replicated log envelope. It carries the logical
// timestamp the core must use to drive TTL drainage — never a wall-clock
// read performed inside Apply, which would break determinism across
// replicas.
type Command struct {
	Timestamp int64         `json:"ts"`
	Request   kvmap.Request `json:"req"`
}

// Encode serializes a Command for submission via Node.Apply.
func Encode(ts int64, req kvmap.Request) ([]byte, error) {
	b, err := json.Marshal(Command{Timestamp: ts, Request: req})
	if err != nil {
		return nil, fmt.Errorf("cluster: encode command: %w", err)
	}
	return b, nil
}

// Decode is the inverse of Encode, used by FSM.Apply.
func Decode(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("cluster: decode command: %w", err)
	}
	return cmd, nil
}
