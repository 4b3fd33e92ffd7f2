package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/davidahmann/dealledger/internal/authority"
	"github.com/davidahmann/dealledger/internal/ledger"
	"github.com/davidahmann/dealledger/internal/policy"
	"github.com/davidahmann/dealledger/internal/statemachine"
	"github.com/davidahmann/dealledger/internal/trust"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	RequestID string    `json:"request_id,omitempty"`
	Error     errorView `json:"error"`
}

type errorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func readJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected trailing data")
	}
	return nil
}

// readOptionalJSON accepts an empty body.
func readOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	err := readJSON(w, r, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, status, errorBody{
		RequestID: RequestIDFrom(r.Context()),
		Error:     errorView{Code: code, Message: message, Details: details},
	})
}

func badJSON(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, http.StatusBadRequest, "BAD_JSON", err.Error(), nil)
}

// writeServiceError maps ledger errors onto HTTP statuses. A blocked
// append answers with the verdict itself.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var blocked *authority.BlockedError
	if errors.As(err, &blocked) {
		writeJSON(w, http.StatusForbidden, blocked.Verdict)
		return
	}
	status, code := classify(err)
	writeError(w, r, status, code, err.Error(), nil)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, authority.ErrChainCorruption):
		return http.StatusLocked, "CHAIN_CORRUPTION"
	case errors.Is(err, authority.ErrUnauthorizedActor):
		return http.StatusForbidden, "UNAUTHORIZED_ACTOR"
	case errors.Is(err, statemachine.ErrInvalidTransition):
		return http.StatusConflict, "INVALID_TRANSITION"
	case errors.Is(err, trust.ErrAlreadyPromoted):
		return http.StatusConflict, "ALREADY_PROMOTED"
	case errors.Is(err, ledger.ErrConcurrentAppendConflict):
		return http.StatusConflict, "CONCURRENT_APPEND_CONFLICT"
	case errors.Is(err, ledger.ErrDuplicate):
		return http.StatusConflict, "DUPLICATE"
	case errors.Is(err, trust.ErrInvalidTruthClass):
		return http.StatusUnprocessableEntity, "INVALID_TRUTH_CLASS"
	case errors.Is(err, trust.ErrInvalidClaim):
		return http.StatusUnprocessableEntity, "INVALID_CLAIM"
	case errors.Is(err, policy.ErrInvalidPayload):
		return http.StatusUnprocessableEntity, "INVALID_PAYLOAD"
	case errors.Is(err, ledger.ErrCheckpointDigestMismatch), errors.Is(err, ledger.ErrCheckpointSignature):
		return http.StatusUnprocessableEntity, "INVALID_CHECKPOINT"
	case errors.Is(err, authority.ErrReservedEventType):
		return http.StatusBadRequest, "RESERVED_EVENT_TYPE"
	case errors.Is(err, policy.ErrUnknownAction):
		return http.StatusBadRequest, "UNKNOWN_ACTION"
	case errors.Is(err, authority.ErrInvalidRequest):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, authority.ErrNoSigner):
		return http.StatusNotImplemented, "NO_SIGNER"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}
