package client

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func stubServer(t *testing.T, handler http.HandlerFunc) BaseURLFunc {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return func() string { return srv.URL }
}

func TestTaskEnqueue_PrintsTask(t *testing.T) {
	var gotIdem string
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/codeq/tasks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotIdem = r.Header.Get("Idempotency-Key")
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["command"] != "GENERATE_CREATIVE" {
			t.Errorf("command = %v", body["command"])
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"taskId": "t-1", "status": "PENDING"})
	})

	cmd := newTaskEnqueueCommand(base)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--command", "GENERATE_CREATIVE", "--payload", `{"k":1}`, "--idempotency-key", "ord-1"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if gotIdem != "ord-1" {
		t.Fatalf("idempotency key not forwarded, got %q", gotIdem)
	}
	if !strings.Contains(buf.String(), "t-1") {
		t.Fatalf("expected task id in output, got: %s", buf.String())
	}
}

func TestTaskEnqueue_RejectsBadPayload(t *testing.T) {
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("server should not be reached")
	})
	cmd := newTaskEnqueueCommand(base)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--command", "GENERATE_CREATIVE", "--payload", "not-json"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected error for invalid payload, got nil")
	}
}

func TestTaskClaim_NoWork(t *testing.T) {
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	cmd := newTaskClaimCommand(base)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--command", "GENERATE_CREATIVE"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "no work") {
		t.Fatalf("expected no-work notice, got: %s", buf.String())
	}
}

func TestTaskClaim_SendsTokenAndBody(t *testing.T) {
	t.Setenv("CODEQ_TOKEN", "tok-abc")
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-abc" {
			t.Errorf("authorization = %q", got)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["leaseSeconds"] != float64(60) {
			t.Errorf("leaseSeconds = %v", body["leaseSeconds"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"taskId": "t-2", "status": "CLAIMED"})
	})
	cmd := newTaskClaimCommand(base)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--command", "GENERATE_CREATIVE", "--lease-seconds", "60"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "CLAIMED") {
		t.Fatalf("expected claimed task in output, got: %s", buf.String())
	}
}

func TestTaskNack_OmitsDelayWhenUnset(t *testing.T) {
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["delaySeconds"]; ok {
			t.Error("delaySeconds should be omitted when the flag is unset")
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"taskId": "t-3", "status": "PENDING"})
	})
	cmd := newTaskNackCommand(base)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"t-3", "--reason", "transient"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
}

func TestTaskResult_ServerErrorFailsCommand(t *testing.T) {
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": "task not found"})
	})
	cmd := newTaskResultCommand(base)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"t-missing"})

	err := cmd.Execute()
	if err == nil {
		t.Fatalf("expected error for 404, got nil")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected status in error, got: %v", err)
	}
}

func TestAdminQueues_PrintsDepths(t *testing.T) {
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/codeq/admin/queues" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queues": []map[string]any{{"command": "GENERATE_CREATIVE", "ready": 2}},
		})
	})
	cmd := newAdminQueuesCommand(base)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(nil)

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "GENERATE_CREATIVE") {
		t.Fatalf("expected queue listing, got: %s", buf.String())
	}
}

func TestWorkerSubscribe_PrintsSubscription(t *testing.T) {
	base := stubServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/codeq/workers/subscriptions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"subscriptionId": "sub-1"})
	})
	cmd := newWorkerSubscribeCommand(base)
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--command", "GENERATE_CREATIVE", "--url", "http://worker:9090/ready"})

	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(buf.String(), "sub-1") {
		t.Fatalf("expected subscription id, got: %s", buf.String())
	}
}
