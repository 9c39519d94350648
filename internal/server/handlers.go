package server

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/account-intel/internal/model"
	"github.com/sells-group/account-intel/internal/pipeline"
	"github.com/sells-group/account-intel/internal/store"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	ResetAt string `json:"reset_at,omitempty"`
}

type extractRequest struct {
	OrganizationID string `json:"organization_id"`
}

type briefingsRequest struct {
	OrganizationIDs []string `json:"organization_ids"`
	ReferenceDate   string   `json:"reference_date"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req extractRequest
	if !decodeBody(w, r, &req) {
		return
	}
	res, err := s.deps.Jobs.RunExtraction(r.Context(), strings.TrimSpace(req.OrganizationID))
	if err != nil {
		writeStageError(w, "extraction", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Jobs.RunClassification(r.Context())
	if err != nil {
		writeStageError(w, "classification", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBriefings(w http.ResponseWriter, r *http.Request) {
	var req briefingsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ref, err := parseReference(req.ReferenceDate)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return
	}
	agg, err := s.deps.Jobs.RunBriefings(r.Context(), req.OrganizationIDs, ref)
	if err != nil {
		writeStageError(w, "briefings", err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleBriefingOne(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "organizationID")
	ref, err := parseReference(r.URL.Query().Get("reference_date"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: err.Error()})
		return
	}
	out, err := s.deps.Jobs.SynthesizeOne(r.Context(), orgID, ref)
	if err != nil {
		writeStageError(w, "briefing", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		OrganizationID: q.Get("organization_id"),
		Stage:          model.Stage(q.Get("stage")),
		Status:         model.RunStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = n
	}

	runs, err := s.deps.Runs.ListRunRecords(r.Context(), filter)
	if err != nil {
		zap.L().Error("server: list runs failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: pipeline.CodeStoreFetch})
		return
	}
	if runs == nil {
		runs = []model.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	hours := 0
	if v := r.URL.Query().Get("lookback_hours"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "lookback_hours must be a positive integer"})
			return
		}
		hours = n
	}
	snap, err := s.deps.Collector.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("server: collect run stats failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: pipeline.CodeStoreFetch})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// parseReference accepts RFC 3339 timestamps or bare dates. Empty means now.
func parseReference(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return time.Time{}, eris.Errorf("reference_date %q is not RFC 3339 or YYYY-MM-DD", v)
	}
	return t, nil
}

// decodeBody decodes an optional JSON body. It writes a 400 and returns
// false when the body is present but malformed.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_request", Message: "invalid request body"})
		return false
	}
	return true
}

// writeStageError renders a classified stage failure with its stable code.
func writeStageError(w http.ResponseWriter, job string, err error) {
	status := pipeline.HTTPStatus(err)
	body := errorBody{Error: pipeline.Code(err), Message: err.Error()}

	var se *pipeline.StageError
	if errors.As(err, &se) && !se.ResetAt.IsZero() {
		body.ResetAt = se.ResetAt.UTC().Format(time.RFC3339)
		secs := int(math.Ceil(time.Until(se.ResetAt).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}

	log := zap.L().With(zap.String("job", job), zap.String("code", body.Error), zap.Int("status", status))
	if status >= http.StatusInternalServerError {
		log.Error("server: job failed", zap.String("error", eris.ToString(err, true)))
	} else {
		log.Warn("server: job rejected", zap.Error(err))
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: write response", zap.Error(err))
	}
}
