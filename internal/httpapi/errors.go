package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/kvmapd/kvmapd/internal/kvmap"
)

// HTTPError is the standard error envelope for every handler in this
// package, mirroring the teacher's admin/helpers error shape.
type HTTPError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Status  int    `json:"-"`
}

func (e *HTTPError) Error() string {
	if e.Detail != "" {
		return e.Message + ": " + e.Detail
	}
	return e.Message
}

var (
	errInvalidJSON   = &HTTPError{Code: "invalid_json", Message: "invalid JSON body", Status: http.StatusBadRequest}
	errBadRequest    = &HTTPError{Code: "bad_request", Message: "bad request", Status: http.StatusBadRequest}
	errUnauthorized  = &HTTPError{Code: "unauthorized", Message: "missing or invalid bearer token", Status: http.StatusUnauthorized}
	errNotLeader     = &HTTPError{Code: "not_leader", Message: "this node is not the raft leader", Status: http.StatusServiceUnavailable}
	errTimeout       = &HTTPError{Code: "timeout", Message: "request timed out waiting for consensus", Status: http.StatusGatewayTimeout}
	errInternal      = &HTTPError{Code: "internal_error", Message: "internal server error", Status: http.StatusInternalServerError}
	errWrongOpKind   = &HTTPError{Code: "wrong_op_kind", Message: "operation routed to the wrong transport path", Status: http.StatusInternalServerError}
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	if he, ok := err.(*HTTPError); ok {
		writeJSON(w, he.Status, he)
		return
	}
	writeJSON(w, errInternal.Status, errInternal)
}

// writeKindError maps a kvmap.Error (produced by the deterministic core,
// e.g. on a failed precondition) to a 409/404-flavored response instead of
// a blanket 500: these are expected outcomes of a well-formed request, not
// transport failures.
func writeKindError(w http.ResponseWriter, e *kvmap.Error) {
	status := http.StatusConflict
	switch e.Kind {
	case kvmap.KindUnknownTransactionID:
		status = http.StatusNotFound
	case kvmap.KindMalformedCommand:
		status = http.StatusBadRequest
	case kvmap.KindSnapshotCorrupt, kvmap.KindIllegalTransactionState:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, &HTTPError{Code: e.Kind.String(), Message: e.Error(), Status: status})
}
