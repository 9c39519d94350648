package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sells-group/account-intel/internal/inference"
)

// Stable error codes. They are persisted on run records and returned to
// trigger callers, so renaming one is a breaking change.
const (
	CodeNoOutput        = "inference_no_output"
	CodeInvalidJSON     = "inference_invalid_json"
	CodeInvalidShape    = "inference_invalid_shape"
	CodeRateLimited     = "inference_rate_limited"
	CodeInferenceFailed = "inference_failed"
	CodeStoreFetch      = "store_fetch_failed"
	CodeBriefingWrite   = "briefing_write_failed"
	CodeDerivedWrite    = "derived_write_failed"
	CodeMarkProcessed   = "mark_processed_failed"
	CodeLinkWrite       = "link_write_failed"
	CodeOrgNotFound     = "organization_not_found"
	CodePrompt          = "prompt_render_failed"
	CodeInternal        = "internal_error"
)

// StageError is a classified stage failure carrying its stable code and the
// HTTP status a trigger caller should see.
type StageError struct {
	Code   string
	Status int
	// ResetAt is set for rate-limit failures.
	ResetAt time.Time
	Err     error
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return e.Code
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func newStageError(code string, status int, err error) *StageError {
	return &StageError{Code: code, Status: status, Err: err}
}

// Code returns the stable code of err, CodeInternal for unclassified
// errors, or "" for nil.
func Code(err error) string {
	if err == nil {
		return ""
	}
	var se *StageError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// HTTPStatus returns the status a trigger caller should see for err.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var se *StageError
	if errors.As(err, &se) && se.Status != 0 {
		return se.Status
	}
	return http.StatusInternalServerError
}

// classifyInferenceError maps gateway and parse failures onto stage codes.
// The model is an external dependency, so its failures surface as 502.
func classifyInferenceError(err error) *StageError {
	var quota *inference.QuotaError
	var perr *ParseError
	switch {
	case errors.As(err, &quota):
		se := newStageError(CodeRateLimited, http.StatusTooManyRequests, err)
		se.ResetAt = quota.ResetAt
		return se
	case errors.Is(err, inference.ErrRateLimited):
		return newStageError(CodeRateLimited, http.StatusTooManyRequests, err)
	case errors.Is(err, inference.ErrNoOutput):
		return newStageError(CodeNoOutput, http.StatusBadGateway, err)
	case errors.As(err, &perr):
		return newStageError(perr.Kind, http.StatusBadGateway, err)
	default:
		return newStageError(CodeInferenceFailed, http.StatusBadGateway, err)
	}
}
