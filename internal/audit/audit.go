// Package audit provides the always-on stdout audit line and an optional
// durable Postgres sink (pg.go) holding one row per command the HTTP API
// applied successfully, independent of the raft log itself.
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"
)

// Log writes a structured, always-on audit event to stdout. Cheap, no
// dependency, never fails.
func Log(ctx context.Context, event string, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["event"] = event
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	b, _ := json.Marshal(fields)
	log.Printf("%s", string(b))
}
