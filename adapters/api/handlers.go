package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"funnelpower/app"
	"funnelpower/domain/experiment"
	"funnelpower/internal/errors"
	"funnelpower/internal/power"
	"funnelpower/internal/wire"

	"go.uber.org/zap"
)

// ABTestResponse is the body of POST /v1/abtest
type ABTestResponse struct {
	Settings experiment.Settings `json:"settings"`
	Records  []wire.TTest        `json:"records"`
}

// PowerResponse is the body of POST /v1/power
type PowerResponse struct {
	Settings   experiment.Settings `json:"settings"`
	RunID      string              `json:"run_id"`
	Iterations int                 `json:"iterations"`
	Complete   bool                `json:"complete"`
	Summary    wire.PowerSummary   `json:"summary"`
}

// DescribeResponse is the body of POST /v1/describe
type DescribeResponse struct {
	Rows []wire.RowDescription `json:"rows"`
}

// CurveRequest adds the curve resolution to a query
type CurveRequest struct {
	app.Query
	Points int `json:"points,omitempty"`
}

// CurveResponse is the body of POST /v1/curve
type CurveResponse struct {
	Curves []wire.PowerCurve `json:"curves"`
}

// ErrorResponse is returned with every non-2xx status
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleABTest(w http.ResponseWriter, r *http.Request) {
	var q app.Query
	if !s.decode(w, r, &q) {
		return
	}
	result, err := s.service.RunABTest(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ABTestResponse{
		Settings: result.Settings,
		Records:  wire.FromTTests(result.Records),
	})
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	var q app.Query
	if !s.decode(w, r, &q) {
		return
	}
	result, err := s.service.RunPowerAnalysis(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PowerResponse{
		Settings:   result.Run.Settings,
		RunID:      result.Run.ID,
		Iterations: result.Run.Iterations,
		Complete:   result.Run.Complete,
		Summary:    wire.FromPowerSummary(result.Summary),
	})
}

func (s *Server) handleDescribe(w http.ResponseWriter, r *http.Request) {
	var q app.Query
	if !s.decode(w, r, &q) {
		return
	}
	desc, err := s.service.Describe(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DescribeResponse{Rows: wire.FromDescription(desc)})
}

func (s *Server) handleCurve(w http.ResponseWriter, r *http.Request) {
	var req CurveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Points == 0 {
		req.Points = power.DefaultCurvePoints
	}
	curves, err := s.service.Curve(r.Context(), req.Query, req.Points)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CurveResponse{Curves: wire.FromCurves(curves)})
}

// handleReport renders the report of the query given as URL parameters:
// breakdown and steps as comma separated lists, n_permutations, seed and format (html or md).
func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	q := app.Query{
		Breakdown: splitList(params.Get("breakdown")),
		Steps:     splitList(params.Get("steps")),
	}
	if v := params.Get("n_permutations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(w, errors.InvalidInput("n_permutations must be an integer"))
			return
		}
		q.NPermutations = n
	}
	if v := params.Get("seed"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, errors.InvalidInput("seed must be an integer"))
			return
		}
		q.Seed = seed
	}

	format := params.Get("format")
	var contentType string
	switch format {
	case "md", "markdown":
		contentType = "text/markdown; charset=utf-8"
	case "", "html":
		contentType = "text/html; charset=utf-8"
	default:
		s.writeError(w, errors.InvalidInput("format must be html or md"))
		return
	}

	rep, err := s.service.Report(r.Context(), q)
	if err != nil {
		s.writeError(w, err)
		return
	}
	var body []byte
	if strings.HasPrefix(contentType, "text/markdown") {
		body, err = rep.Markdown()
	} else {
		body, err = rep.HTML()
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && err != io.EOF {
		s.writeError(w, errors.InvalidInput("invalid request body: "+err.Error()))
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
	}
	code := errors.GetCode(err)
	if !errors.IsAppError(err) {
		code = errors.CodeInternalError
	}
	writeJSON(w, status, ErrorResponse{Code: code, Message: err.Error()})
}

func statusOf(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeValidationError, errors.CodeInvalidInput, errors.CodeConfigInvalid:
		return http.StatusBadRequest
	case errors.CodeSchemaError:
		return http.StatusUnprocessableEntity
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeInterrupted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
