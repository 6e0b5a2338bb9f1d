package httpserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/osvaldoandrade/codeq/internal/auth"
	"github.com/osvaldoandrade/codeq/internal/auth/keyset"
	cfgpkg "github.com/osvaldoandrade/codeq/internal/config"
	"github.com/osvaldoandrade/codeq/internal/runtime"
	pebblestore "github.com/osvaldoandrade/codeq/internal/storage/pebble"
	"github.com/osvaldoandrade/codeq/internal/taskstore"
)

type staticResolver struct {
	keys map[string]*rsa.PublicKey
}

func (r *staticResolver) Resolve(_ context.Context, kid string) (*rsa.PublicKey, error) {
	if k, ok := r.keys[kid]; ok {
		return k, nil
	}
	return nil, keyset.ErrKeyNotFound
}

type harness struct {
	srv *httptest.Server
	key *rsa.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	cfg := cfgpkg.Default()
	cfg.Lease.MinSeconds = 1
	cfg.Lease.DefaultSeconds = 5
	cfg.Lease.MaxSeconds = 30
	cfg.Backoff.Policy = "fixed"
	cfg.Backoff.BaseSeconds = 1
	cfg.Backoff.MaxSeconds = 30
	rt, err := runtime.Open(runtime.Options{
		DataDir: t.TempDir(),
		Fsync:   pebblestore.FsyncModeNever,
		Config:  cfg,
	})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	t.Cleanup(func() { _ = rt.Close() })

	verifier, err := auth.NewVerifier(&staticResolver{keys: map[string]*rsa.PublicKey{"k1": &key.PublicKey}}, auth.VerifierOptions{
		Issuer:   "idp",
		Audience: "codeq",
	})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	srv := httptest.NewServer(New(rt, verifier).Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, key: key}
}

func (h *harness) token(t *testing.T, subject, scopes string, commands ...string) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"iss":   "idp",
		"aud":   "codeq",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
		"scope": scopes,
	}
	if len(commands) > 0 {
		types := make([]interface{}, len(commands))
		for i, c := range commands {
			types[i] = c
		}
		claims["eventTypes"] = types
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(h.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (h *harness) do(t *testing.T, method, path, token string, body interface{}, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func decodeTask(t *testing.T, raw []byte) *taskstore.Task {
	t.Helper()
	var task taskstore.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		t.Fatalf("decode task: %v (%s)", err, raw)
	}
	return &task
}

func TestTaskLifecycle(t *testing.T) {
	h := newHarness(t)
	producer := h.token(t, "producer-1", "codeq:enqueue codeq:read")
	worker := h.token(t, "worker-1", "codeq:claim codeq:heartbeat codeq:result", "GENERATE_MASTER")

	resp, raw := h.do(t, http.MethodPost, "/v1/codeq/tasks", producer, map[string]interface{}{
		"command": "GENERATE_MASTER",
		"payload": map[string]string{"jobId": "j-1"},
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d (%s)", resp.StatusCode, raw)
	}
	created := decodeTask(t, raw)

	resp, raw = h.do(t, http.MethodPost, "/v1/codeq/tasks/claim", worker, map[string]interface{}{
		"commands":     []string{"GENERATE_MASTER"},
		"leaseSeconds": 10,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d (%s)", resp.StatusCode, raw)
	}
	claimed := decodeTask(t, raw)
	if claimed.ID != created.ID || claimed.Lease == nil || claimed.Lease.Subject != "worker-1" {
		t.Fatalf("claimed task: %+v", claimed)
	}

	resp, raw = h.do(t, http.MethodPost, "/v1/codeq/tasks/"+created.ID+"/heartbeat", worker, map[string]int{"extendSeconds": 10}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d (%s)", resp.StatusCode, raw)
	}

	// Producer polls before completion: 202 with the in-flight status.
	resp, raw = h.do(t, http.MethodGet, "/v1/codeq/tasks/"+created.ID+"/result", producer, nil, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("pending result status = %d (%s)", resp.StatusCode, raw)
	}

	resp, raw = h.do(t, http.MethodPost, "/v1/codeq/tasks/"+created.ID+"/result", worker, map[string]interface{}{
		"status": "COMPLETED",
		"result": map[string]string{"url": "s3://bucket/out"},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit result status = %d (%s)", resp.StatusCode, raw)
	}

	resp, raw = h.do(t, http.MethodGet, "/v1/codeq/tasks/"+created.ID+"/result", producer, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d (%s)", resp.StatusCode, raw)
	}
	var view struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &view); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if view.Status != "COMPLETED" || string(view.Result) != `{"url":"s3://bucket/out"}` {
		t.Fatalf("result view: %+v %s", view, view.Result)
	}
}

func TestClaimDropsDisallowedCommands(t *testing.T) {
	h := newHarness(t)
	producer := h.token(t, "producer-1", "codeq:enqueue")
	worker := h.token(t, "worker-1", "codeq:claim", "GENERATE_CREATIVE")

	if resp, raw := h.do(t, http.MethodPost, "/v1/codeq/tasks", producer, map[string]interface{}{
		"command": "GENERATE_MASTER", "payload": map[string]string{},
	}, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status = %d (%s)", resp.StatusCode, raw)
	}

	// The worker asks for a command its token does not allow: the request is
	// not rejected, the command is dropped and the claim finds nothing.
	resp, _ := h.do(t, http.MethodPost, "/v1/codeq/tasks/claim", worker, map[string]interface{}{
		"commands": []string{"GENERATE_MASTER"},
	}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("claim status = %d, want 204", resp.StatusCode)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	h := newHarness(t)
	worker := h.token(t, "worker-1", "codeq:claim", "GENERATE_MASTER")
	resp, _ := h.do(t, http.MethodPost, "/v1/codeq/tasks/claim", worker, map[string]interface{}{
		"commands": []string{"GENERATE_MASTER"},
	}, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
}

func TestClaimClampsRequestedLease(t *testing.T) {
	h := newHarness(t)
	producer := h.token(t, "producer-1", "codeq:enqueue")
	worker := h.token(t, "worker-1", "codeq:claim", "GENERATE_MASTER")

	h.do(t, http.MethodPost, "/v1/codeq/tasks", producer, map[string]interface{}{
		"command": "GENERATE_MASTER", "payload": map[string]string{},
	}, nil)

	// Max is 30s in the harness config; a 60s request is clamped, not refused.
	resp, raw := h.do(t, http.MethodPost, "/v1/codeq/tasks/claim", worker, map[string]interface{}{
		"commands":     []string{"GENERATE_MASTER"},
		"leaseSeconds": 60,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim status = %d (%s)", resp.StatusCode, raw)
	}
	task := decodeTask(t, raw)
	if d := task.Lease.ExpiresAt.Sub(task.Lease.IssuedAt); d != 30*time.Second {
		t.Fatalf("lease duration = %v, want 30s", d)
	}
}

func TestAuthFailures(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/v1/codeq/tasks", "", map[string]string{}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", resp.StatusCode)
	}

	resp, raw := h.do(t, http.MethodPost, "/v1/codeq/tasks", "not-a-jwt", map[string]string{}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status = %d", resp.StatusCode)
	}
	var e struct {
		Transient bool `json:"transient"`
	}
	if err := json.Unmarshal(raw, &e); err != nil || e.Transient {
		t.Fatalf("malformed token must be a permanent failure: %s err=%v", raw, err)
	}

	// Right identity, wrong scope.
	readOnly := h.token(t, "worker-1", "codeq:read")
	resp, _ = h.do(t, http.MethodPost, "/v1/codeq/tasks/claim", readOnly, map[string]interface{}{
		"commands": []string{"GENERATE_MASTER"},
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong scope status = %d, want 403", resp.StatusCode)
	}
}

func TestHeartbeatByNonOwner(t *testing.T) {
	h := newHarness(t)
	producer := h.token(t, "producer-1", "codeq:enqueue")
	w1 := h.token(t, "worker-1", "codeq:claim codeq:heartbeat", "GENERATE_MASTER")
	w2 := h.token(t, "worker-2", "codeq:claim codeq:heartbeat", "GENERATE_MASTER")

	_, raw := h.do(t, http.MethodPost, "/v1/codeq/tasks", producer, map[string]interface{}{
		"command": "GENERATE_MASTER", "payload": map[string]string{},
	}, nil)
	task := decodeTask(t, raw)
	if resp, _ := h.do(t, http.MethodPost, "/v1/codeq/tasks/claim", w1, map[string]interface{}{
		"commands": []string{"GENERATE_MASTER"}, "leaseSeconds": 10,
	}, nil); resp.StatusCode != http.StatusOK {
		t.Fatal("claim failed")
	}

	resp, _ := h.do(t, http.MethodPost, "/v1/codeq/tasks/"+task.ID+"/heartbeat", w2, map[string]int{"extendSeconds": 10}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-owner heartbeat status = %d, want 403", resp.StatusCode)
	}
}

func TestUnknownTask(t *testing.T) {
	h := newHarness(t)
	producer := h.token(t, "producer-1", "codeq:enqueue codeq:read")
	resp, _ := h.do(t, http.MethodGet, "/v1/codeq/tasks/no-such-id", producer, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/v1/codeq/tasks/no-such-id/result", producer, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("result status = %d, want 404", resp.StatusCode)
	}
}

func TestIdempotentEnqueue(t *testing.T) {
	h := newHarness(t)
	producer := h.token(t, "producer-1", "codeq:enqueue")
	hdr := map[string]string{"Idempotency-Key": "job-42"}

	_, raw1 := h.do(t, http.MethodPost, "/v1/codeq/tasks", producer, map[string]interface{}{
		"command": "GENERATE_MASTER", "payload": map[string]string{"n": "1"},
	}, hdr)
	_, raw2 := h.do(t, http.MethodPost, "/v1/codeq/tasks", producer, map[string]interface{}{
		"command": "GENERATE_MASTER", "payload": map[string]string{"n": "2"},
	}, hdr)
	if decodeTask(t, raw1).ID != decodeTask(t, raw2).ID {
		t.Fatal("idempotency key replay minted a new task")
	}
}

func TestSubscriptionEndpoints(t *testing.T) {
	h := newHarness(t)
	worker := h.token(t, "worker-1", "codeq:subscribe", "GENERATE_MASTER")

	resp, raw := h.do(t, http.MethodPost, "/v1/codeq/workers/subscriptions", worker, map[string]interface{}{
		"command": "GENERATE_MASTER", "url": "http://worker.local/hook", "ttlSeconds": 60,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("subscribe status = %d (%s)", resp.StatusCode, raw)
	}
	var sub struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &sub); err != nil || sub.ID == "" {
		t.Fatalf("subscription body: %s err=%v", raw, err)
	}

	resp, raw = h.do(t, http.MethodPost, fmt.Sprintf("/v1/codeq/workers/subscriptions/%s/heartbeat", sub.ID), worker, map[string]int{"ttlSeconds": 120}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("subscription heartbeat status = %d (%s)", resp.StatusCode, raw)
	}
}

func TestAdminEndpoints(t *testing.T) {
	h := newHarness(t)
	producer := h.token(t, "producer-1", "codeq:enqueue")
	admin := h.token(t, "ops-1", "codeq:admin")

	h.do(t, http.MethodPost, "/v1/codeq/tasks", producer, map[string]interface{}{
		"command": "GENERATE_MASTER", "payload": map[string]string{},
	}, nil)

	resp, raw := h.do(t, http.MethodGet, "/v1/codeq/admin/queues", admin, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("queues status = %d (%s)", resp.StatusCode, raw)
	}
	var body struct {
		Queues []struct {
			Command string `json:"command"`
			Ready   int64  `json:"ready"`
		} `json:"queues"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		t.Fatalf("decode queues: %v", err)
	}
	if len(body.Queues) != 1 || body.Queues[0].Command != "GENERATE_MASTER" || body.Queues[0].Ready != 1 {
		t.Fatalf("queues = %+v", body.Queues)
	}

	resp, _ = h.do(t, http.MethodGet, "/v1/codeq/admin/queues", producer, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin queues status = %d, want 403", resp.StatusCode)
	}

	resp, raw = h.do(t, http.MethodPost, "/v1/codeq/admin/tasks/cleanup", admin, map[string]int{"limit": 100}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup status = %d (%s)", resp.StatusCode, raw)
	}
}

func TestHealthAndMetricsUnauthenticated(t *testing.T) {
	h := newHarness(t)
	resp, _ := h.do(t, http.MethodGet, "/healthz", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodGet, "/metrics", "", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d", resp.StatusCode)
	}
}
