package httpserver

import (
	"encoding/json"
	"net/http"

	resultsvc "github.com/osvaldoandrade/codeq/internal/services/results"
	schedsvc "github.com/osvaldoandrade/codeq/internal/services/scheduler"
)

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req schedsvc.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}
	req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	req.Producer = claimsFrom(r).Subject

	task, err := s.sched.Enqueue(r.Context(), req)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type claimBody struct {
	Commands     []string `json:"commands"`
	LeaseSeconds int      `json:"leaseSeconds"`
	WaitSeconds  int      `json:"waitSeconds"`
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var body claimBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}
	claims := claimsFrom(r)

	// Commands outside the token's allowance are dropped, not rejected. An
	// empty effective set claims nothing.
	effective := claims.AllowedOf(body.Commands)
	task, ok, err := s.sched.Claim(r.Context(), schedsvc.ClaimRequest{
		Subject:      claims.Subject,
		Commands:     effective,
		LeaseSeconds: body.LeaseSeconds,
		WaitSeconds:  body.WaitSeconds,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type heartbeatBody struct {
	ExtendSeconds int `json:"extendSeconds"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body heartbeatBody
	if r.Body != nil {
		// Body is optional; a bare POST extends by the default lease.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	lease, err := s.sched.Heartbeat(r.Context(), r.PathValue("id"), claimsFrom(r).Subject, body.ExtendSeconds)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (s *Server) handleAbandon(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Abandon(r.Context(), r.PathValue("id"), claimsFrom(r).Subject); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type nackBody struct {
	// DelaySeconds nil means "use the configured backoff policy".
	DelaySeconds *int   `json:"delaySeconds"`
	Reason       string `json:"reason"`
}

func (s *Server) handleNack(w http.ResponseWriter, r *http.Request) {
	var body nackBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}
	delay := -1
	if body.DelaySeconds != nil {
		delay = *body.DelaySeconds
	}
	res, err := s.sched.Nack(r.Context(), r.PathValue("id"), claimsFrom(r).Subject, delay, body.Reason)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	var body resultsvc.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}
	task, err := s.results.Submit(r.Context(), r.PathValue("id"), claimsFrom(r).Subject, body)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	view, err := s.results.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !view.Terminal {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": view.Status})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.sched.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type subscribeBody struct {
	Command    string `json:"command"`
	URL        string `json:"url"`
	TTLSeconds int    `json:"ttlSeconds"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var body subscribeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", false)
		return
	}
	sub, err := s.subs.Register(r.Context(), claimsFrom(r).Subject, body.Command, body.URL, body.TTLSeconds)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sub)
}

type subHeartbeatBody struct {
	TTLSeconds int `json:"ttlSeconds"`
}

func (s *Server) handleSubHeartbeat(w http.ResponseWriter, r *http.Request) {
	var body subHeartbeatBody
	if r.Body != nil {
		// Body is optional; a bare POST keeps the configured TTL.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	sub, err := s.subs.Heartbeat(r.Context(), r.PathValue("id"), claimsFrom(r).Subject, body.TTLSeconds)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (s *Server) handleAdminQueues(w http.ResponseWriter, r *http.Request) {
	queues, err := s.sched.Queues(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"queues": queues})
}

type cleanupBody struct {
	Limit int `json:"limit"`
}

func (s *Server) handleAdminCleanup(w http.ResponseWriter, r *http.Request) {
	var body cleanupBody
	if r.Body != nil {
		// Body is optional; a bare POST uses the default limit.
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	removed, err := s.sched.Cleanup(r.Context(), body.Limit)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}
