package logger

import (
	"time"

	"go.uber.org/zap"
)

// =================================================================================
// CAMPOS ESTÁNDAR - HTTP
// =================================================================================

func RequestID(v string) zap.Field { return zap.String("request_id", v) }
func Method(v string) zap.Field    { return zap.String("method", v) }
func Path(v string) zap.Field      { return zap.String("path", v) }
func Status(v int) zap.Field       { return zap.Int("status", v) }
func Duration(v time.Duration) zap.Field { return zap.Duration("duration", v) }
func DurationMs(v int64) zap.Field { return zap.Int64("duration_ms", v) }
func Bytes(v int) zap.Field        { return zap.Int("bytes", v) }
func ClientIP(v string) zap.Field  { return zap.String("client_ip", v) }

// =================================================================================
// CAMPOS ESTÁNDAR - DOMINIO (kvmap)
// =================================================================================

// NodeID crea un campo para el id del nodo raft.
func NodeID(v string) zap.Field { return zap.String("node_id", v) }

// SessionID crea un campo para el id de sesión que posee un listener o una transacción.
func SessionID(v uint64) zap.Field { return zap.Uint64("session_id", v) }

// TransactionID crea un campo para el id de una transacción en curso.
func TransactionID(v string) zap.Field { return zap.String("transaction_id", v) }

// RaftIndex crea un campo para el índice de log aplicado.
func RaftIndex(v uint64) zap.Field { return zap.Uint64("raft_index", v) }

// =================================================================================
// CAMPOS ESTÁNDAR - SISTEMA
// =================================================================================

func Component(v string) zap.Field { return zap.String("component", v) }
func Op(v string) zap.Field        { return zap.String("op", v) }
func Layer(v string) zap.Field     { return zap.String("layer", v) }
func Err(err error) zap.Field      { return zap.Error(err) }

// =================================================================================
// CAMPOS ESTÁNDAR - DATOS
// =================================================================================

func Count(v int) zap.Field        { return zap.Int("count", v) }
func ID(v string) zap.Field        { return zap.String("id", v) }
func Key(v string) zap.Field       { return zap.String("key", v) }
func Any(key string, v any) zap.Field { return zap.Any(key, v) }
func String(key, v string) zap.Field  { return zap.String(key, v) }
func Int(key string, v int) zap.Field { return zap.Int(key, v) }
func Bool(key string, v bool) zap.Field { return zap.Bool(key, v) }
