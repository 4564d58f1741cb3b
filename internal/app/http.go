package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cohorts/engine/internal/logger"
	"cohorts/engine/internal/materialize"
	"cohorts/engine/internal/predicate"
	"cohorts/engine/internal/store"
)

type HTTPServer struct {
	service  *Service
	log      *logger.Logger
	gatherer prometheus.Gatherer
}

// NewHTTPServer serves the cohort API. A nil gatherer disables /metrics.
func NewHTTPServer(service *Service, log *logger.Logger, gatherer prometheus.Gatherer) *HTTPServer {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPServer{service: service, log: log, gatherer: gatherer}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		if s.gatherer == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/maintenance/recalculate-stale" {
		report, err := s.service.RecalculateStale(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/maintenance/reset-stuck" {
		n, err := s.service.ResetStuckCalculations(r.Context())
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reset": n})
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 4 && parts[0] == "api" && parts[1] == "teams" {
		teamID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || teamID <= 0 {
			writeError(w, http.StatusBadRequest, "INVALID_TEAM", "team id must be a positive integer", nil)
			return
		}
		switch parts[3] {
		case "cohorts":
			s.handleCohorts(w, r, teamID, parts[4:])
			return
		case "actions":
			if len(parts) == 4 && r.Method == http.MethodPost {
				s.handleCreateAction(w, r, teamID)
				return
			}
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	if enabled, err := s.service.PingLocker(ctx); enabled {
		checks["redis"] = map[string]any{"status": "ok"}
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleCohorts(w http.ResponseWriter, r *http.Request, teamID int64, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			cohorts, err := s.service.ListCohorts(r.Context(), teamID)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			views := make([]CohortView, 0, len(cohorts))
			for _, c := range cohorts {
				views = append(views, toCohortView(c))
			}
			writeJSON(w, http.StatusOK, map[string]any{"cohorts": views})
		case http.MethodPost:
			var body CohortInput
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			created, err := s.service.CreateCohort(r.Context(), teamID, body)
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, toCohortView(created))
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	cohortID, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil || cohortID <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_COHORT", "cohort id must be a positive integer", nil)
		return
	}

	switch {
	case len(rest) == 1:
		s.handleCohort(w, r, teamID, cohortID)
	case len(rest) == 2 && rest[1] == "recalculate" && r.Method == http.MethodPost:
		s.handleRecalculate(w, r, teamID, cohortID)
	case len(rest) == 2 && rest[1] == "static-members":
		s.handleStaticMembers(w, r, teamID, cohortID)
	case len(rest) == 3 && rest[1] == "static-members" && rest[2] == "import" && r.Method == http.MethodPost:
		s.handleImport(w, r, teamID, cohortID)
	case len(rest) == 3 && rest[1] == "members" && r.Method == http.MethodGet:
		s.handleIsMember(w, r, teamID, cohortID, rest[2])
	case len(rest) == 2 && rest[1] == "predicate" && r.Method == http.MethodGet:
		s.handlePredicate(w, r, teamID, cohortID)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCohort(w http.ResponseWriter, r *http.Request, teamID, cohortID int64) {
	switch r.Method {
	case http.MethodGet:
		c, err := s.service.GetCohort(r.Context(), teamID, cohortID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toCohortView(c))
	case http.MethodPut:
		var body CohortInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		updated, err := s.service.UpdateCohort(r.Context(), teamID, cohortID, body)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toCohortView(updated))
	case http.MethodDelete:
		if err := s.service.DeleteCohort(r.Context(), teamID, cohortID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleRecalculate(w http.ResponseWriter, r *http.Request, teamID, cohortID int64) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if err := s.service.ValidateRecalculation(r.Context(), teamID, cohortID); err != nil {
			s.fail(w, r, err)
			return
		}
		s.service.RecalculateAsync(teamID, cohortID)
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
		return
	}

	result, err := s.service.Recalculate(r.Context(), teamID, cohortID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toResultView(result))
}

func (s *HTTPServer) handleStaticMembers(w http.ResponseWriter, r *http.Request, teamID, cohortID int64) {
	switch r.Method {
	case http.MethodPost:
		var body struct {
			PersonIDs []string `json:"personIds"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		ids := make([]uuid.UUID, 0, len(body.PersonIDs))
		for _, raw := range body.PersonIDs {
			id, err := uuid.Parse(strings.TrimSpace(raw))
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid person id", map[string]any{"personId": raw})
				return
			}
			ids = append(ids, id)
		}
		n, err := s.service.InsertStaticMembers(r.Context(), teamID, cohortID, ids)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"inserted": n})
	case http.MethodGet:
		after := uuid.Nil
		if raw := strings.TrimSpace(r.URL.Query().Get("after")); raw != "" {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "after must be a person id", nil)
				return
			}
			after = parsed
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		members, err := s.service.ListStaticMembers(r.Context(), teamID, cohortID, after, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		ids := make([]string, 0, len(members))
		for _, m := range members {
			ids = append(ids, m.PersonID.String())
		}
		payload := map[string]any{"personIds": ids}
		if len(ids) > 0 {
			payload["next"] = ids[len(ids)-1]
		}
		writeJSON(w, http.StatusOK, payload)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

// handleImport accepts either a text/csv body or {"key": "..."} naming an
// uploaded object.
func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request, teamID, cohortID int64) {
	var (
		result ImportResult
		err    error
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "text/csv") {
		defer r.Body.Close()
		result, err = s.service.ImportStaticCSVReader(r.Context(), teamID, cohortID, r.Body)
	} else {
		var body struct {
			Key string `json:"key"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if strings.TrimSpace(body.Key) == "" {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "key is required", nil)
			return
		}
		result, err = s.service.ImportStaticCSV(r.Context(), teamID, cohortID, body.Key)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleIsMember(w http.ResponseWriter, r *http.Request, teamID, cohortID int64, rawPerson string) {
	personID, err := uuid.Parse(rawPerson)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_PERSON", "person id must be a uuid", nil)
		return
	}
	member, err := s.service.IsMember(r.Context(), teamID, cohortID, personID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": member})
}

// handlePredicate returns the cohort as an embeddable SQL fragment. With
// ?column= it is a membership test on that column, otherwise the live
// predicate over persons p.
func (s *HTTPServer) handlePredicate(w http.ResponseWriter, r *http.Request, teamID, cohortID int64) {
	startArg := 1
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "INVALID_START", "start must be a positive integer", nil)
			return
		}
		startArg = parsed
	}

	var (
		fragment store.Fragment
		err      error
	)
	if column := strings.TrimSpace(r.URL.Query().Get("column")); column != "" {
		fragment, err = s.service.MembershipFragment(r.Context(), teamID, cohortID, column, startArg)
	} else {
		fragment, err = s.service.ResolvePredicateSQL(r.Context(), teamID, cohortID, startArg)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sql": fragment.SQL, "params": fragment.Args})
}

func (s *HTTPServer) handleCreateAction(w http.ResponseWriter, r *http.Request, teamID int64) {
	var body ActionInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	action, err := s.service.CreateAction(r.Context(), teamID, body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": action.ID, "name": action.Name, "steps": action.Steps})
}

// fail maps err to a response. Unmapped errors are logged since their detail
// is not returned to the client.
func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "request_id", requestID(r.Context()), "path", r.URL.Path, "error", err)
	}
	writeError(w, status, code, message, details)
}

type CohortView struct {
	ID                int64             `json:"id"`
	TeamID            int64             `json:"teamId"`
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	IsStatic          bool              `json:"isStatic"`
	Groups            []predicate.Group `json:"groups"`
	IsCalculating     bool              `json:"isCalculating"`
	LastCalculation   *time.Time        `json:"lastCalculation"`
	ErrorsCalculating int               `json:"errorsCalculating"`
	Version           int64             `json:"version"`
	Count             *int64            `json:"count"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func toCohortView(c store.Cohort) CohortView {
	groups := c.Groups.Groups
	if groups == nil {
		groups = []predicate.Group{}
	}
	return CohortView{
		ID:                c.ID,
		TeamID:            c.TeamID,
		Name:              c.Name,
		Description:       c.Description,
		IsStatic:          c.IsStatic,
		Groups:            groups,
		IsCalculating:     c.IsCalculating,
		LastCalculation:   c.LastCalculation,
		ErrorsCalculating: c.ErrorsCalculating,
		Version:           c.CommittedVersion,
		Count:             c.Count,
		CreatedAt:         c.CreatedAt,
		UpdatedAt:         c.UpdatedAt,
	}
}

func toResultView(result materialize.Result) map[string]any {
	return map[string]any{
		"cohortId":        result.CohortID,
		"version":         result.Version,
		"baselineVersion": result.BaselineVersion,
		"added":           result.Added,
		"removed":         result.Removed,
		"previousSize":    result.PreviousSize,
		"size":            result.Size,
		"durationMs":      result.Duration.Milliseconds(),
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setDefaultHeaders(writer.Header())
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("http request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setDefaultHeaders(header http.Header) {
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
