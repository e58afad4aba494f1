package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathanhollander/assetforge/internal/approval"
	"github.com/jonathanhollander/assetforge/internal/broadcast"
	"github.com/jonathanhollander/assetforge/internal/competition"
	"github.com/jonathanhollander/assetforge/internal/models"
	"github.com/jonathanhollander/assetforge/internal/pipeline"
	"github.com/jonathanhollander/assetforge/internal/provider"
	"github.com/jonathanhollander/assetforge/internal/scoring"
	"github.com/jonathanhollander/assetforge/internal/storage"
	"github.com/jonathanhollander/assetforge/internal/store"
)

type stubClient struct {
	id   string
	cost models.Micros
}

func (c *stubClient) ID() string                 { return c.id }
func (c *stubClient) CostPerCall() models.Micros { return c.cost }

func (c *stubClient) Invoke(ctx context.Context, req models.GenerationRequest) models.CandidateVariant {
	return models.CandidateVariant{
		RequestID:   req.ID,
		ProviderID:  c.id,
		Content:     []byte("a rendering of " + req.Brief),
		ContentType: "text/plain",
		Attempts:    1,
	}
}

type nullSaver struct{}

func (nullSaver) Save(ctx context.Context, asset storage.Asset) (string, error) {
	return "file:///dev/null/" + asset.RequestID.String(), nil
}

type testEnv struct {
	srv  *httptest.Server
	gate *approval.Gate
	st   *store.MemoryStore
	bus  *broadcast.Broadcaster
	pipe *pipeline.Pipeline
}

func newTestEnv(t *testing.T, secret string) *testEnv {
	t.Helper()
	client := &stubClient{id: "painter", cost: models.MicrosFromFloat(0.04)}
	clients := []provider.Client{client}

	bus := broadcast.New(256)
	bus.Start()
	t.Cleanup(bus.Shutdown)

	st := store.NewMemoryStore()
	gate := approval.NewGate(models.MicrosFromFloat(100), time.Minute)
	scorer := scoring.New(map[string]float64{"fidelity": 1.0}, []string{"painter"})
	orch := competition.New(clients, scorer, 2*time.Second, bus)
	pipe := pipeline.New(orch, gate, bus, st, nullSaver{}, clients, pipeline.Options{
		DefaultCeiling: models.MicrosFromFloat(1.00),
		WorkerCap:      4,
	})
	t.Cleanup(pipe.Shutdown)

	srv := httptest.NewServer(New(pipe, gate, st, bus, secret).Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, gate: gate, st: st, bus: bus, pipe: pipe}
}

func (e *testEnv) post(t *testing.T, path, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewBufferString(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	resp, err := http.Get(env.srv.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, true, body["ok"])
}

func TestSubmitRunsBatchToCompletion(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.post(t, "/v1/batches", `{
		"ceiling": 1.00,
		"items": [
			{"category": "covers", "kind": "cover", "brief": "a lighthouse at dusk"},
			{"category": "covers", "kind": "cover", "brief": "a cottage in fog"}
		]
	}`, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	body := decodeBody(t, resp)
	batchID := body["batchId"].(string)
	require.NotEmpty(t, batchID)

	require.Eventually(t, func() bool {
		resp, err := http.Get(env.srv.URL + "/v1/batches/" + batchID)
		if err != nil {
			return false
		}
		body := decodeBody(t, resp)
		batch, _ := body["batch"].(map[string]interface{})
		return batch != nil && batch["status"] == string(models.BatchCompleted)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.post(t, "/v1/batches", `{"ceiling": 1.0, "items": []}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/v1/batches", `{"ceiling": 1.0, "items": [{"category": "c", "kind": "icon"}]}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/v1/batches", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestOperatorAuth(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, secret)
	body := `{"ceiling": 0.10, "items": [{"category": "c", "kind": "prompt", "brief": "x"}]}`

	resp := env.post(t, "/v1/batches", body, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/v1/batches", body, map[string]string{"Authorization": "Bearer not.a.token"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// Token signed with the wrong key is rejected.
	bad, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).
		SignedString([]byte("other-secret"))
	require.NoError(t, err)
	resp = env.post(t, "/v1/batches", body, map[string]string{"Authorization": "Bearer " + bad})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	good, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "alice"}).
		SignedString([]byte(secret))
	require.NoError(t, err)
	resp = env.post(t, "/v1/batches", body, map[string]string{"Authorization": "Bearer " + good})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	out := decodeBody(t, resp)

	// The subject claim becomes the recorded submitter.
	id, err := uuid.Parse(out["batchId"].(string))
	require.NoError(t, err)
	batch, err := env.st.GetBatch(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "alice", batch.SubmittedBy)
}

func TestCheckpointDecisionEndpoints(t *testing.T) {
	env := newTestEnv(t, "")
	cp := env.gate.Create(uuid.New(), models.MicrosFromFloat(0.80))

	resp := env.post(t, "/v1/checkpoints/"+cp.ID.String()+"/approve", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	decided := body["checkpoint"].(map[string]interface{})
	assert.Equal(t, string(models.CheckpointApproved), decided["state"])

	// Second decision conflicts.
	resp = env.post(t, "/v1/checkpoints/"+cp.ID.String()+"/reject", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/v1/checkpoints/"+uuid.NewString()+"/approve", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/v1/checkpoints/not-a-uuid/approve", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestGetCheckpointFallsBackToStore(t *testing.T) {
	env := newTestEnv(t, "")
	cp := models.ApprovalCheckpoint{
		ID:            uuid.New(),
		BatchID:       uuid.New(),
		ProjectedCost: models.MicrosFromFloat(0.80),
		State:         models.CheckpointApproved,
		CreatedAt:     time.Now().UTC(),
		ExpiresAt:     time.Now().UTC().Add(time.Minute),
	}
	require.NoError(t, env.st.SaveCheckpoint(context.Background(), cp))

	resp, err := http.Get(env.srv.URL + "/v1/checkpoints/" + cp.ID.String())
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	got := body["checkpoint"].(map[string]interface{})
	assert.Equal(t, string(models.CheckpointApproved), got["state"])
}

func TestCancelUnknownBatch(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.post(t, "/v1/batches/"+uuid.NewString()+"/cancel", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestOverrideEndpoint(t *testing.T) {
	env := newTestEnv(t, "")

	resp := env.post(t, "/v1/results/"+uuid.NewString()+"/override", `{"provider": "painter"}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/v1/results/"+uuid.NewString()+"/override", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	env.bus.Publish(models.ProgressEvent{Kind: "test.ping", Message: "hello"})

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.ProgressEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		assert.Equal(t, "test.ping", ev.Kind)
		return
	}
	t.Fatal("no event received before stream closed")
}
