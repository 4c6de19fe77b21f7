package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mathquest/mathquest-progress/internal/application/command"
	"github.com/mathquest/mathquest-progress/internal/application/query"
	"github.com/mathquest/mathquest-progress/internal/application/session"
	"github.com/mathquest/mathquest-progress/internal/domain/progression"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
	"github.com/mathquest/mathquest-progress/internal/infrastructure/persistence/sqlite"
	"github.com/mathquest/mathquest-progress/internal/interface/http/handlers"
	"github.com/mathquest/mathquest-progress/pkg/logger"
)

const testAdminKey = "operator-key"

type testEnv struct {
	handler http.Handler
	auth    *handlers.PlayerAuth
	ledger  *sqlite.Ledger
	health  *handlers.CompositeHealthChecker
	events  *recordingPublisher
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []shared.Event
}

func (p *recordingPublisher) Publish(e shared.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) rejected() []shared.GrantRejectedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []shared.GrantRejectedEvent
	for _, e := range p.events {
		if ev, ok := e.(shared.GrantRejectedEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	slogger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), slogger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ledger.Close() })

	registry := session.NewRegistry(session.NewTrackerFactory(session.FactoryConfig{
		Ledger:        ledger,
		ReportTimeout: time.Second,
		Logger:        slogger,
	}), slogger)
	t.Cleanup(registry.Close)

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	require.NoError(t, err)

	auth := handlers.NewPlayerAuth([]byte("test-secret"), "mathquest", time.Hour)
	health := handlers.NewCompositeHealthChecker("test")
	events := &recordingPublisher{}

	srv := NewServer(DefaultConfig(), Dependencies{
		StartSession:  command.NewStartSessionHandler(registry, ledger, nil, slogger),
		GrantXP:       command.NewGrantXPHandler(registry, ledger, events, slogger),
		EndSession:    command.NewEndSessionHandler(registry, nil, slogger),
		GetProgress:   query.NewGetProgressHandler(registry, ledger),
		GetLevelTable: query.NewGetLevelTableHandler(),
		GrantHistory:  query.NewGetGrantHistoryHandler(ledger),
		PlayerAuth:    auth,
		AdminAuth:     handlers.NewAdminKeyAuth(string(hash)),
		HealthChecker: health,
		Logger:        logger.Nop(),
	})

	return &testEnv{handler: srv.Handler(), auth: auth, ledger: ledger, health: health, events: events}
}

func (e *testEnv) do(t *testing.T, method, path, player string, body interface{}, headers ...string) (*httptest.ResponseRecorder, JSONResponse) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if player != "" {
		tok, err := e.auth.Issue(shared.PlayerID(player))
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	var resp JSONResponse
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	}
	return rec, resp
}

func decodeData(t *testing.T, resp JSONResponse, dst interface{}) {
	t.Helper()
	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, dst))
}

// ─────────────────────────────────────────────────────────────────────────────
// Session lifecycle
// ─────────────────────────────────────────────────────────────────────────────

func TestSessionGrantProgressFlow(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/sessions", "ada", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var started sessionResponse
	decodeData(t, resp, &started)
	assert.True(t, started.NewPlayer)
	assert.Equal(t, progression.Level(1), started.Progress.Level)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec, resp = env.do(t, http.MethodPost, "/api/v1/sessions", "ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, resp, &started)
	assert.True(t, started.Resumed)

	rec, resp = env.do(t, http.MethodPost, "/api/v1/grants", "ada", GrantRequest{Amount: 250, Reason: "quiz: fractions", Source: "quiz"})
	require.Equal(t, http.StatusOK, rec.Code)
	var granted grantResponse
	decodeData(t, resp, &granted)
	assert.True(t, granted.Applied)
	assert.True(t, granted.LeveledUp)
	assert.Equal(t, 2, granted.LevelsGained)
	assert.Equal(t, progression.Level(3), granted.After.Level)
	assert.Equal(t, progression.XP(250), granted.After.TotalXP)
	assert.NotEmpty(t, granted.GrantID)

	rec, resp = env.do(t, http.MethodGet, "/api/v1/progress", "ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress query.ProgressDTO
	decodeData(t, resp, &progress)
	assert.True(t, progress.Live)
	assert.Equal(t, progression.XP(250), progress.TotalXP)

	rec, resp = env.do(t, http.MethodDelete, "/api/v1/sessions", "ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ended sessionResponse
	decodeData(t, resp, &ended)
	assert.Equal(t, progression.XP(250), ended.Progress.TotalXP)

	stored, err := env.ledger.LoadStartingXP(context.Background(), "ada")
	require.NoError(t, err)
	assert.Equal(t, progression.XP(250), stored)

	rec, resp = env.do(t, http.MethodGet, "/api/v1/progress", "ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, resp, &progress)
	assert.False(t, progress.Live)
	assert.Equal(t, progression.Level(3), progress.Level)
}

func TestGrant_Errors(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/grants", "bob", GrantRequest{Amount: 10, Reason: "quiz"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "no_live_session", resp.Error.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/sessions", "bob", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	tests := []struct {
		name string
		body interface{}
		code int
	}{
		{"negative amount", GrantRequest{Amount: -5, Reason: "oops"}, http.StatusBadRequest},
		{"missing reason", GrantRequest{Amount: 5}, http.StatusBadRequest},
		{"unknown source", GrantRequest{Amount: 5, Reason: "r", Source: "casino"}, http.StatusBadRequest},
		{"unknown field", `{"amount":5,"reason":"r","bonus":true}`, http.StatusBadRequest},
		{"fractional amount", `{"amount":1.5,"reason":"r"}`, http.StatusBadRequest},
		{"empty body", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := env.do(t, http.MethodPost, "/api/v1/grants", "bob", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			require.NotNil(t, resp.Error)
			assert.False(t, resp.Success)
		})
	}

	rec, resp = env.do(t, http.MethodPost, "/api/v1/grants", "bob", GrantRequest{Amount: 0, Reason: "nothing"})
	require.Equal(t, http.StatusOK, rec.Code)
	var granted grantResponse
	decodeData(t, resp, &granted)
	assert.False(t, granted.Applied)
}

func TestGrant_NonIntegerAmountIsRejectedGrant(t *testing.T) {
	env := newTestEnv(t)
	rec, _ := env.do(t, http.MethodPost, "/api/v1/sessions", "bob", nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	for _, body := range []string{`{"amount":1.5,"reason":"half"}`, `{"amount":"10","reason":"half"}`} {
		rec, resp := env.do(t, http.MethodPost, "/api/v1/grants", "bob", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		require.NotNil(t, resp.Error)
		assert.Equal(t, "validation_error", resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "amount must be an integer")
	}

	rejected := env.events.rejected()
	require.Len(t, rejected, 2)
	assert.Equal(t, "bob", rejected[0].AggregateID())
	assert.Equal(t, "half", rejected[0].Reason)

	rec, resp := env.do(t, http.MethodPost, "/api/v1/admin/players/carol/grants", "", `{"amount":2.5,"reason":"prize"}`, handlers.AdminKeyHeader, testAdminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", resp.Error.Code)
	assert.Len(t, env.events.rejected(), 3)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/grants", "bob", `{"amount":5,"reason":"r","bonus":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Len(t, env.events.rejected(), 3)
}

func TestPlayerRoutes_RequireToken(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/progress", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", resp.Error.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/sessions", "", nil, "Authorization", "Bearer forged")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProgress_UnknownPlayer(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/progress", "ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", resp.Error.Code)
}

// ─────────────────────────────────────────────────────────────────────────────
// Operator routes
// ─────────────────────────────────────────────────────────────────────────────

func TestAdminGrant(t *testing.T) {
	env := newTestEnv(t)
	body := GrantRequest{Amount: 100, Reason: "contest prize"}

	rec, resp := env.do(t, http.MethodPost, "/api/v1/admin/players/carol/grants", "", body)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", resp.Error.Code)

	rec, _ = env.do(t, http.MethodPost, "/api/v1/admin/players/carol/grants", "", body, handlers.AdminKeyHeader, "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp = env.do(t, http.MethodPost, "/api/v1/admin/players/carol/grants", "", body, handlers.AdminKeyHeader, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var granted grantResponse
	decodeData(t, resp, &granted)
	assert.False(t, granted.Live)
	assert.Equal(t, progression.Level(2), granted.After.Level)

	stored, err := env.ledger.LoadStartingXP(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, progression.XP(100), stored)

	rec, resp = env.do(t, http.MethodGet, "/api/v1/admin/players/carol/progress", "", nil, handlers.AdminKeyHeader, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var progress query.ProgressDTO
	decodeData(t, resp, &progress)
	assert.Equal(t, progression.XP(100), progress.TotalXP)
}

func TestAdminGrantHistory(t *testing.T) {
	env := newTestEnv(t)
	for _, amount := range []int64{100, 40} {
		rec, _ := env.do(t, http.MethodPost, "/api/v1/admin/players/carol/grants", "", GrantRequest{Amount: amount, Reason: "contest prize"}, handlers.AdminKeyHeader, testAdminKey)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec, _ := env.do(t, http.MethodGet, "/api/v1/admin/players/carol/grants", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/admin/players/carol/grants", "", nil, handlers.AdminKeyHeader, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	var history query.GrantHistoryDTO
	decodeData(t, resp, &history)
	require.Len(t, history.Grants, 2)
	assert.Equal(t, shared.SourceAdmin, history.Grants[0].Source)
	assert.Equal(t, "contest prize", history.Grants[0].Reason)

	var sum progression.XP
	for _, g := range history.Grants {
		sum += g.Amount
	}
	assert.Equal(t, progression.XP(140), sum)

	rec, resp = env.do(t, http.MethodGet, "/api/v1/admin/players/carol/grants?limit=1", "", nil, handlers.AdminKeyHeader, testAdminKey)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeData(t, resp, &history)
	assert.Len(t, history.Grants, 1)

	rec, resp = env.do(t, http.MethodGet, "/api/v1/admin/players/carol/grants?limit=500", "", nil, handlers.AdminKeyHeader, testAdminKey)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation_error", resp.Error.Code)
}

// ─────────────────────────────────────────────────────────────────────────────
// Public routes
// ─────────────────────────────────────────────────────────────────────────────

func TestLevelTable(t *testing.T) {
	env := newTestEnv(t)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/levels?from=1&to=3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var table query.LevelTableDTO
	decodeData(t, resp, &table)
	require.Len(t, table.Rows, 3)
	assert.Equal(t, progression.ReachableMaxLevel(), table.ReachableMaxLevel)

	for _, path := range []string{"/api/v1/levels?from=abc", "/api/v1/levels?from=5&to=2", "/api/v1/levels?to=101"} {
		rec, _ := env.do(t, http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	env.health.AddCheck("ledger", func(ctx context.Context) error { return env.ledger.Ping(ctx) })

	rec, _ := env.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = env.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env.health.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	rec, _ = env.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{shared.ErrInvalidGrant, http.StatusBadRequest},
		{shared.ErrPlayerNotFound, http.StatusNotFound},
		{shared.ErrSessionNotFound, http.StatusConflict},
		{shared.ErrSessionClosed, http.StatusServiceUnavailable},
		{shared.ErrLedgerUnavailable, http.StatusServiceUnavailable},
		{shared.ErrLedgerTimeout, http.StatusServiceUnavailable},
		{handlers.ErrInvalidToken, http.StatusUnauthorized},
		{handlers.ErrInvalidKey, http.StatusForbidden},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, _ := statusFor(tt.err)
		assert.Equal(t, tt.code, code, tt.err.Error())
	}
}
