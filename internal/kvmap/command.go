package kvmap

// OpCode enumerates every operation the map understands. It is the
// discriminant of the tagged-variant Request type described in the spec's
// design notes: one variant per operation, routed by a classification
// function rather than virtual dispatch.
type OpCode int

const (
	OpSize OpCode = iota
	OpIsEmpty
	OpContainsKey
	OpContainsValue
	OpGet
	OpGetAllPresent
	OpGetOrDefault
	OpKeySet
	OpValues
	OpEntrySet
	OpPut
	OpPutAndGet
	OpPutIfAbsent
	OpRemove
	OpRemoveValue
	OpRemoveVersion
	OpReplace
	OpReplaceValue
	OpReplaceVersion
	OpClear
	OpAddListener
	OpRemoveListener
	OpBegin
	OpPrepare
	OpPrepareAndCommit
	OpCommit
	OpRollback
	OpSessionExpire
)

// OpKind distinguishes operations that must go through the replicated log
// (Command) from those servable directly against current state (Query).
type OpKind int

const (
	Query OpKind = iota
	Command
)

// kind classifies every operation exhaustively, per spec §6/§9.
func kind(op OpCode) OpKind {
	switch op {
	case OpSize, OpIsEmpty, OpContainsKey, OpContainsValue, OpGet,
		OpGetAllPresent, OpGetOrDefault, OpKeySet, OpValues, OpEntrySet, OpBegin:
		return Query
	default:
		return Command
	}
}

// IsQuery and IsCommand are the exported forms used by transports that need
// to decide whether a request may bypass the replicated log.
func IsQuery(op OpCode) bool   { return kind(op) == Query }
func IsCommand(op OpCode) bool { return kind(op) == Command }

var opCodeNames = map[OpCode]string{
	OpSize: "size", OpIsEmpty: "is_empty", OpContainsKey: "contains_key",
	OpContainsValue: "contains_value", OpGet: "get", OpGetAllPresent: "get_all_present",
	OpGetOrDefault: "get_or_default", OpKeySet: "key_set", OpValues: "values",
	OpEntrySet: "entry_set", OpPut: "put", OpPutAndGet: "put_and_get",
	OpPutIfAbsent: "put_if_absent", OpRemove: "remove", OpRemoveValue: "remove_value",
	OpRemoveVersion: "remove_version", OpReplace: "replace", OpReplaceValue: "replace_value",
	OpReplaceVersion: "replace_version", OpClear: "clear", OpAddListener: "add_listener",
	OpRemoveListener: "remove_listener", OpBegin: "begin", OpPrepare: "prepare",
	OpPrepareAndCommit: "prepare_and_commit", OpCommit: "commit", OpRollback: "rollback",
	OpSessionExpire: "session_expire",
}

// String renders an OpCode by name, for logging and audit records.
func (op OpCode) String() string {
	if name, ok := opCodeNames[op]; ok {
		return name
	}
	return "unknown"
}

// Request is the single transport-facing envelope: a tagged variant whose
// active fields depend on Op. Unused fields for a given Op are simply
// zero-valued; the handlers in machine.go read only the ones they need.
type Request struct {
	Op              OpCode
	Key             string
	Keys            []string
	Value           []byte
	Default         []byte
	OldValue        []byte
	NewValue        []byte
	TTL             int64
	ExpectedVersion uint64
	SessionID       uint64
	TransactionID   string
	Log             TransactionLog
}

// Response is the single transport-facing result envelope. Exactly one of
// the typed fields is meaningful, selected by the Request's Op.
type Response struct {
	Err            *Error
	Bool           bool
	Int            int
	Versioned      Versioned
	VersionedMap   map[string]Versioned
	Keys           []string
	Values         [][]byte
	Entries        map[string]Versioned
	Update         MapEntryUpdateResult
	StartVersion   uint64
	PrepareResult  PrepareResult
	CommitResult   CommitResult
	RollbackResult RollbackResult
	Events         []Event
	// ExpiredCount is how many of Events were produced by TTL expiry
	// (always a prefix of Events, see Machine.Apply), not by the command
	// itself. Observability-only; never read by the core.
	ExpiredCount int
}
