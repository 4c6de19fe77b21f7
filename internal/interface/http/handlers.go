package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/mathquest/mathquest-progress/internal/application/command"
	"github.com/mathquest/mathquest-progress/internal/application/query"
	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
	"github.com/mathquest/mathquest-progress/internal/interface/http/handlers"
	"github.com/mathquest/mathquest-progress/pkg/logger"
)

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ══════════════════════════════════════════════════════════════════════════════

// handleHealth is the liveness check. It does not touch dependencies.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"uptime":  s.Uptime().Round(time.Second).String(),
		"version": s.config.Version,
	})
}

// handleReady runs the registered dependency checks.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := s.deps.HealthChecker.Check(r.Context())
	code := http.StatusOK
	if !status.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// ══════════════════════════════════════════════════════════════════════════════
// LEVEL TABLE
// ══════════════════════════════════════════════════════════════════════════════

// handleLevelTable handles GET /api/v1/levels?from=&to=
func (s *Server) handleLevelTable(w http.ResponseWriter, r *http.Request) {
	from, err := getQueryParamInt(r, "from", 0)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	to, err := getQueryParamInt(r, "to", 0)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	table, err := s.deps.GetLevelTable.Handle(query.GetLevelTableQuery{From: from, To: to})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, table)
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSIONS
// ══════════════════════════════════════════════════════════════════════════════

// sessionResponse is returned by session start and end.
type sessionResponse struct {
	PlayerID  string                    `json:"player_id"`
	Progress  progression.LevelSnapshot `json:"progress"`
	StartedAt *time.Time                `json:"started_at,omitempty"`
	Resumed   bool                      `json:"resumed,omitempty"`
	NewPlayer bool                      `json:"new_player,omitempty"`
	Duration  string                    `json:"duration,omitempty"`
}

// handleStartSession handles POST /api/v1/sessions
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	playerID, _ := handlers.PlayerFromContext(r.Context())

	res, err := s.deps.StartSession.Handle(r.Context(), command.StartSessionCommand{
		PlayerID:      playerID.String(),
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}

	code := http.StatusCreated
	if res.Resumed {
		code = http.StatusOK
	}
	startedAt := res.StartedAt
	writeSuccess(w, r, code, sessionResponse{
		PlayerID:  res.PlayerID.String(),
		Progress:  res.Snapshot,
		StartedAt: &startedAt,
		Resumed:   res.Resumed,
		NewPlayer: res.NewPlayer,
	})
}

// handleEndSession handles DELETE /api/v1/sessions
func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	playerID, _ := handlers.PlayerFromContext(r.Context())

	res, err := s.deps.EndSession.Handle(r.Context(), command.EndSessionCommand{
		PlayerID:      playerID.String(),
		CorrelationID: getRequestID(r.Context()),
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, sessionResponse{
		PlayerID: res.PlayerID.String(),
		Progress: res.Snapshot,
		Duration: res.Duration.Round(time.Second).String(),
	})
}

// ══════════════════════════════════════════════════════════════════════════════
// GRANTS
// ══════════════════════════════════════════════════════════════════════════════

// GrantRequest is the body of the grant endpoints.
type GrantRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
	Source string `json:"source,omitempty"`
}

// grantResponse describes an applied or zero grant.
type grantResponse struct {
	PlayerID     string                    `json:"player_id"`
	GrantID      string                    `json:"grant_id,omitempty"`
	Applied      bool                      `json:"applied"`
	Amount       int64                     `json:"amount"`
	Before       progression.LevelSnapshot `json:"before"`
	After        progression.LevelSnapshot `json:"after"`
	LeveledUp    bool                      `json:"leveled_up"`
	LevelsGained int                       `json:"levels_gained"`
	Live         bool                      `json:"live"`
}

func newGrantResponse(res *command.GrantXPResult) grantResponse {
	return grantResponse{
		PlayerID:     res.PlayerID.String(),
		GrantID:      res.Grant.Grant.ID,
		Applied:      res.Grant.Applied,
		Amount:       res.Grant.Grant.Amount.Int64(),
		Before:       res.Before,
		After:        res.After,
		LeveledUp:    res.LeveledUp(),
		LevelsGained: res.Grant.NewLevel.Int() - res.Grant.PreviousLevel.Int(),
		Live:         res.Live,
	}
}

// handleGrant handles POST /api/v1/grants for the authenticated player.
// It requires a live session.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	playerID, _ := handlers.PlayerFromContext(r.Context())

	var req GrantRequest
	err := decodeGrant(r, &req)
	cmd := command.GrantXPCommand{
		PlayerID:      playerID.String(),
		Amount:        req.Amount,
		Reason:        req.Reason,
		Source:        req.Source,
		CorrelationID: getRequestID(r.Context()),
	}
	if err != nil {
		s.rejectGrant(w, r, cmd, err)
		return
	}
	s.grant(w, r, cmd)
}

// handleAdminGrant handles POST /api/v1/admin/players/{id}/grants.
// Operators may grant to players who are not in game.
func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	err := decodeGrant(r, &req)
	source := req.Source
	if source == "" {
		source = shared.SourceAdmin.String()
	}
	cmd := command.GrantXPCommand{
		PlayerID:      r.PathValue("id"),
		Amount:        req.Amount,
		Reason:        req.Reason,
		Source:        source,
		AllowOffline:  true,
		CorrelationID: getRequestID(r.Context()),
	}
	if err != nil {
		s.rejectGrant(w, r, cmd, err)
		return
	}
	s.grant(w, r, cmd)
}

// rejectGrant answers a body that failed to decode. A bad amount counts as a
// rejected grant and is published like one.
func (s *Server) rejectGrant(w http.ResponseWriter, r *http.Request, cmd command.GrantXPCommand, err error) {
	if errors.Is(err, shared.ErrInvalidGrant) {
		err = s.deps.GrantXP.Reject(cmd, err)
	}
	s.writeDomainError(w, r, err)
}

func (s *Server) grant(w http.ResponseWriter, r *http.Request, cmd command.GrantXPCommand) {
	res, err := s.deps.GrantXP.Handle(r.Context(), cmd)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	if res.LeveledUp() {
		s.logger.Info("player leveled up",
			logger.PlayerID(res.PlayerID.String()),
			logger.LevelField(res.After.Level.Int()),
			logger.TotalXP(res.After.TotalXP.Int64()),
		)
	}
	writeSuccess(w, r, http.StatusOK, newGrantResponse(res))
}

// ══════════════════════════════════════════════════════════════════════════════
// PROGRESS
// ══════════════════════════════════════════════════════════════════════════════

// handleProgress handles GET /api/v1/progress for the authenticated player.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	playerID, _ := handlers.PlayerFromContext(r.Context())
	s.progress(w, r, playerID.String())
}

// handleAdminProgress handles GET /api/v1/admin/players/{id}/progress.
func (s *Server) handleAdminProgress(w http.ResponseWriter, r *http.Request) {
	s.progress(w, r, r.PathValue("id"))
}

func (s *Server) progress(w http.ResponseWriter, r *http.Request, playerID string) {
	dto, err := s.deps.GetProgress.Handle(r.Context(), query.GetProgressQuery{PlayerID: playerID})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, dto)
}

// handleAdminGrantHistory handles GET /api/v1/admin/players/{id}/grants?limit=
func (s *Server) handleAdminGrantHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := getQueryParamInt(r, "limit", 0)
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	dto, err := s.deps.GrantHistory.Handle(r.Context(), query.GetGrantHistoryQuery{
		PlayerID: r.PathValue("id"),
		Limit:    limit,
	})
	if err != nil {
		s.writeDomainError(w, r, err)
		return
	}
	writeSuccess(w, r, http.StatusOK, dto)
}

// ══════════════════════════════════════════════════════════════════════════════
// RESPONSE ENVELOPE
// ══════════════════════════════════════════════════════════════════════════════

// JSONResponse is the standard API envelope.
type JSONResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError describes a failed request.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	writeJSON(w, status, JSONResponse{
		Success:   true,
		Data:      data,
		RequestID: getRequestID(r.Context()),
	})
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, JSONResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		RequestID: getRequestID(r.Context()),
	})
}

// writeAuthError is passed to the auth middleware.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	s.writeDomainError(w, r, err)
}

// writeDomainError maps error kinds to HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= 500 {
		s.logger.Error("request failed",
			logger.String("path", r.URL.Path),
			logger.String(logger.RequestIDKey, getRequestID(r.Context())),
			logger.Err(err),
		)
	}
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "An unexpected error occurred"
	}
	writeJSONError(w, r, status, code, message)
}

func statusFor(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case errors.Is(err, shared.ErrSessionNotFound):
		return http.StatusConflict, "no_live_session"
	case errors.Is(err, shared.ErrSessionClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case shared.IsUnauthorized(err):
		return http.StatusUnauthorized, "unauthorized"
	case shared.IsValidation(err):
		return http.StatusBadRequest, "validation_error"
	case shared.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case shared.IsExternalService(err):
		return http.StatusServiceUnavailable, "ledger_unavailable"
	default:
		return http.StatusInternalServerError, "internal_server_error"
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// decodeJSON decodes a single JSON object and rejects unknown fields.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return shared.WrapError("http", "Decode", shared.ErrInvalidInput, "request body is empty", err)
		}
		return shared.WrapError("http", "Decode", shared.ErrInvalidInput, "malformed request body", err)
	}
	return nil
}

// decodeGrant is decodeJSON for GrantRequest. An amount that is not an
// integer (1.5, "10", 1e30) is reported as ErrInvalidGrant.
func decodeGrant(r *http.Request, req *GrantRequest) error {
	err := decodeJSON(r, req)
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field == "amount" {
		return shared.WrapError("http", "Decode", shared.ErrInvalidGrant, "amount must be an integer", typeErr)
	}
	return err
}

func getQueryParamInt(r *http.Request, key string, defaultVal int) (int, error) {
	val := r.URL.Query().Get(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, shared.WrapError("http", "Query", shared.ErrInvalidInput, key+" must be an integer", err)
	}
	return n, nil
}
