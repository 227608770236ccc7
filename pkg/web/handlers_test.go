package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crisislens/pipeline/pkg/bus"
	"github.com/crisislens/pipeline/pkg/channels/gochannel"
	"github.com/crisislens/pipeline/pkg/engine"
	"github.com/crisislens/pipeline/pkg/executor"
	"github.com/crisislens/pipeline/pkg/models"
	"github.com/crisislens/pipeline/pkg/statestore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

var allStages = []engine.Stage{
	engine.StageNormalize,
	engine.StageExtractEntities,
	engine.StageExtractClaims,
	engine.StageAssignTopics,
	engine.StageRetrieveEvidence,
	engine.StageAssessVeracity,
	engine.StageCalculateRisk,
	engine.StageDraftAdvisory,
	engine.StageTranslateAdvisory,
}

func stubStages() map[engine.Stage]engine.StageFunc {
	registry := make(map[engine.Stage]engine.StageFunc)

	for _, stage := range allStages {
		stage := stage
		registry[stage] = func(_ context.Context, _ *models.WorkflowState) (*engine.StageUpdate, error) {
			return &engine.StageUpdate{Output: map[string]any{"stage": string(stage)}}, nil
		}
	}

	registry[engine.StageCalculateRisk] = func(_ context.Context, state *models.WorkflowState) (*engine.StageUpdate, error) {
		score := 0.1
		if raw, ok := state.RawItem["risk_score"].(float64); ok {
			score = raw
		}

		return &engine.StageUpdate{Output: map[string]any{"risk_score": score}, RiskScore: &score}, nil
	}

	return registry
}

func newTestApp(t *testing.T) (*fiber.App, statestore.Store) {
	t.Helper()

	store := statestore.NewMemoryStore(statestore.DefaultTTL)

	pub, _, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	producer := bus.NewProducer(pub, "web-test", testLogger())

	policy := engine.ErrorPolicy{
		MaxRetries:   3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		BackoffScale: 2.0,
	}

	eng := engine.New(store, stubStages(), policy, testLogger())

	exec, err := executor.New(store, eng, producer, testLogger())
	require.NoError(t, err)

	handlers := NewAPIHandlers(exec, store, validator.New())

	return NewApp(handlers), store
}

func postJSON(t *testing.T, app *fiber.App, path string, payload any) *http.Response {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]any

	require.NoError(t, json.Unmarshal(raw, &decoded))

	return decoded
}

func startItem(t *testing.T, app *fiber.App, item map[string]any) string {
	t.Helper()

	resp := postJSON(t, app, "/workflows", item)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)

	id, ok := body["workflow_id"].(string)
	require.True(t, ok)

	return id
}

func TestStartWorkflow_LowRiskCompletes(t *testing.T) {
	app, _ := newTestApp(t)

	resp := postJSON(t, app, "/workflows", map[string]any{
		"id": "item-1", "text": "minor road closure", "risk_score": 0.2,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.NotEmpty(t, body["workflow_id"])
	assert.Equal(t, "completed", body["status"])
}

func TestStartWorkflow_InvalidItem(t *testing.T) {
	app, _ := newTestApp(t)

	resp := postJSON(t, app, "/workflows", map[string]any{"id": "item-2"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "validation_error", body["type"])
}

func TestGetWorkflow(t *testing.T) {
	app, _ := newTestApp(t)

	id := startItem(t, app, map[string]any{"id": "item-3", "text": "calm report"})

	req := httptest.NewRequest(http.MethodGet, "/workflows/"+id, nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, id, body["workflow_id"])
	assert.Equal(t, "completed", body["status"])
}

func TestGetWorkflow_NotFound(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/workflows/missing", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "workflow_not_found", body["type"])
}

func TestResumeWorkflow(t *testing.T) {
	app, _ := newTestApp(t)

	id := startItem(t, app, map[string]any{
		"id": "item-4", "text": "dam failure imminent", "risk_score": 0.9,
	})

	req := httptest.NewRequest(http.MethodGet, "/workflows/"+id, nil)
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, "paused", decodeBody(t, resp)["status"])

	resp = postJSON(t, app, "/workflows/"+id+"/resume", map[string]any{"decision": "approved"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "approved", body["human_review_status"])
}

func TestResumeWorkflow_InvalidDecision(t *testing.T) {
	app, _ := newTestApp(t)

	id := startItem(t, app, map[string]any{
		"id": "item-5", "text": "needs review", "risk_score": 0.9,
	})

	resp := postJSON(t, app, "/workflows/"+id+"/resume", map[string]any{"decision": "maybe"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResumeWorkflow_NotPaused(t *testing.T) {
	app, _ := newTestApp(t)

	id := startItem(t, app, map[string]any{"id": "item-6", "text": "already done"})

	resp := postJSON(t, app, "/workflows/"+id+"/resume", map[string]any{"decision": "approved"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "invalid_transition", body["type"])
}

func TestCancelWorkflow(t *testing.T) {
	app, _ := newTestApp(t)

	id := startItem(t, app, map[string]any{
		"id": "item-7", "text": "parked for review", "risk_score": 0.9,
	})

	resp := postJSON(t, app, "/workflows/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", decodeBody(t, resp)["status"])

	// A second cancel conflicts.
	resp = postJSON(t, app, "/workflows/"+id+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestGetPausedWorkflows(t *testing.T) {
	app, _ := newTestApp(t)

	id := startItem(t, app, map[string]any{
		"id": "item-8", "text": "in the review queue", "risk_score": 0.95,
	})

	req := httptest.NewRequest(http.MethodGet, "/workflows/paused", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.EqualValues(t, 1, body["count"])
	assert.Contains(t, body["workflow_ids"], id)
}

func TestHealthCheck(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)

	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "healthy", body["status"])
}
