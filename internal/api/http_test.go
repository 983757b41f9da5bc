package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/leaseq/internal/queue"
	"github.com/aridsondez/leaseq/internal/queue/store/memory"
)

func setupTestServer(t *testing.T, defs ...queue.Definition) *httptest.Server {
	t.Helper()
	if len(defs) == 0 {
		defs = []queue.Definition{{Name: "orders"}}
	}
	engines, err := queue.BuildRegistry(defs, func(string) (queue.Store, error) {
		return memory.New(), nil
	}, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(NewServer("", engines).Handler)
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, out
}

func enqueueMessage(t *testing.T, base, q string, payload any) string {
	t.Helper()
	resp, body := do(t, http.MethodPost, base+"/v1/queues/"+q+"/messages", map[string]any{"payload": payload})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out enqueueResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.IDs, 1)
	return out.IDs[0]
}

func claimMessage(t *testing.T, base, q string, visibilityMS int64) *queue.Message {
	t.Helper()
	resp, body := do(t, http.MethodPost, base+"/v1/queues/"+q+"/claim", leaseRequest{VisibilityMS: visibilityMS})
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var msg queue.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	return &msg
}

func getStats(t *testing.T, base, q string) queue.Stats {
	t.Helper()
	resp, body := do(t, http.MethodGet, base+"/v1/queues/"+q+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var s queue.Stats
	require.NoError(t, json.Unmarshal(body, &s))
	return s
}

func TestBasicFlow(t *testing.T) {
	ts := setupTestServer(t)

	id := enqueueMessage(t, ts.URL, "orders", map[string]any{"order_id": 42})

	msg := claimMessage(t, ts.URL, "orders", 30_000)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.JSONEq(t, `{"order_id":42}`, string(msg.Payload))
	assert.Equal(t, 1, msg.Tries)
	assert.Len(t, msg.Ack, 32)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/queues/orders/leases/"+msg.Ack+"/renew", leaseRequest{VisibilityMS: 60_000})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"id":"`+id+`"}`, string(body))

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/queues/orders/leases/"+msg.Ack+"/complete", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.JSONEq(t, `{"id":"`+id+`"}`, string(body))

	assert.Equal(t, queue.Stats{Total: 1, Done: 1}, getStats(t, ts.URL, "orders"))

	resp, body = do(t, http.MethodPost, ts.URL+"/v1/queues/orders/reap", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"deleted_count":1}`, string(body))

	assert.Equal(t, queue.Stats{}, getStats(t, ts.URL, "orders"))
}

func TestEnqueueBatch(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/queues/orders/messages", map[string]any{
		"payloads": []any{"a", "b", 3},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var out enqueueResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.IDs, 3)

	first := claimMessage(t, ts.URL, "orders", 0)
	require.NotNil(t, first)
	assert.Equal(t, out.IDs[0], first.ID)
	assert.JSONEq(t, `"a"`, string(first.Payload))
}

func TestLeaseExpiryRequeue(t *testing.T) {
	ts := setupTestServer(t)
	enqueueMessage(t, ts.URL, "orders", "retry me")

	first := claimMessage(t, ts.URL, "orders", 1000)
	require.NotNil(t, first)
	assert.Nil(t, claimMessage(t, ts.URL, "orders", 1000))

	time.Sleep(1100 * time.Millisecond)

	second := claimMessage(t, ts.URL, "orders", 30_000)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Tries)
	assert.NotEqual(t, first.Ack, second.Ack)

	// The first consumer's lease is gone.
	resp, _ := do(t, http.MethodPost, ts.URL+"/v1/queues/orders/leases/"+first.Ack+"/complete", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDLQRouting(t *testing.T) {
	ts := setupTestServer(t, queue.Definition{Name: "orders", DeadLetter: "orders-dlq", MaxRetries: 1})
	id := enqueueMessage(t, ts.URL, "orders", map[string]any{"poison": true})

	require.NotNil(t, claimMessage(t, ts.URL, "orders", 1000))
	time.Sleep(1100 * time.Millisecond)
	assert.Nil(t, claimMessage(t, ts.URL, "orders", 30_000))

	dead := claimMessage(t, ts.URL, "orders-dlq", 0)
	require.NotNil(t, dead)
	var view queue.Message
	require.NoError(t, json.Unmarshal(dead.Payload, &view))
	assert.Equal(t, id, view.ID)
	assert.Equal(t, 2, view.Tries)
	assert.JSONEq(t, `{"poison":true}`, string(view.Payload))

	assert.Equal(t, queue.Stats{Total: 1, Done: 1}, getStats(t, ts.URL, "orders"))
}

func TestErrors(t *testing.T) {
	ts := setupTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{name: "unknown queue", method: http.MethodPost, path: "/v1/queues/nope/claim", status: http.StatusNotFound},
		{name: "unknown queue stats", method: http.MethodGet, path: "/v1/queues/nope/stats", status: http.StatusNotFound},
		{name: "missing payload", method: http.MethodPost, path: "/v1/queues/orders/messages", body: map[string]any{}, status: http.StatusBadRequest},
		{name: "payload and payloads", method: http.MethodPost, path: "/v1/queues/orders/messages", body: map[string]any{"payload": 1, "payloads": []any{2}}, status: http.StatusBadRequest},
		{name: "empty batch", method: http.MethodPost, path: "/v1/queues/orders/messages", body: map[string]any{"payloads": []any{}}, status: http.StatusBadRequest},
		{name: "negative delay", method: http.MethodPost, path: "/v1/queues/orders/messages", body: map[string]any{"payload": 1, "delay_ms": -5}, status: http.StatusBadRequest},
		{name: "negative visibility", method: http.MethodPost, path: "/v1/queues/orders/claim", body: map[string]any{"visibility_ms": -1}, status: http.StatusBadRequest},
		{name: "unknown ack renew", method: http.MethodPost, path: "/v1/queues/orders/leases/deadbeef/renew", status: http.StatusNotFound},
		{name: "unknown ack complete", method: http.MethodPost, path: "/v1/queues/orders/leases/deadbeef/complete", status: http.StatusNotFound},
		{name: "bad json", method: http.MethodPost, path: "/v1/queues/orders/claim", body: "not an object", status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, tt.method, ts.URL+tt.path, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode, string(body))

			var out map[string]string
			require.NoError(t, json.Unmarshal(body, &out))
			assert.NotEmpty(t, out["error"])
		})
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	ts := setupTestServer(t)

	resp, body := do(t, http.MethodPost, ts.URL+"/v1/queues/orders/claim", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, body)
}

func TestHealthAndQueues(t *testing.T) {
	ts := setupTestServer(t, queue.Definition{Name: "orders", DeadLetter: "dlq"}, queue.Definition{Name: "emails"})

	resp, body := do(t, http.MethodGet, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, body = do(t, http.MethodGet, ts.URL+"/v1/queues", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"queues":["dlq","emails","orders"]}`, string(body))

	resp, body = do(t, http.MethodGet, ts.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "leaseq_http_duration_seconds")
}
