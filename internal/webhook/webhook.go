// Package webhook terminates GitHub workflow_job webhook deliveries and
// turns them into launch requests.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/buildfleet/fleetd/internal/fleet"
	"github.com/chainguard-dev/clog"
	"github.com/google/go-github/v57/github"
)

// JobHandler is the slice of the launcher the webhook needs.
type JobHandler interface {
	HandleJobQueued(ctx context.Context, req fleet.LaunchRequest) (fleet.LaunchResult, error)
}

// Handler verifies, parses and dispatches webhook deliveries. When secret is
// empty, signature verification is skipped entirely; otherwise deliveries
// failing HMAC validation are rejected before any side effect.
type Handler struct {
	launcher JobHandler
	secret   []byte
}

func NewHandler(launcher JobHandler, secret string) *Handler {
	h := &Handler{launcher: launcher}
	if secret != "" {
		h.secret = []byte(secret)
	}
	return h
}

// maxPayloadBytes bounds webhook bodies. GitHub caps deliveries at 25 MB;
// workflow_job payloads are far smaller.
const maxPayloadBytes = 1 << 20

type ack struct {
	Outcome      string `json:"outcome"`
	Arch         string `json:"arch,omitempty"`
	InstanceID   string `json:"instance_id,omitempty"`
	InstanceType string `json:"instance_type,omitempty"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := clog.FromContext(ctx)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxPayloadBytes)
	payload, err := h.payload(r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			log.Warn("rejecting oversized webhook delivery", "limit", tooLarge.Limit)
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		log.Warn("rejecting webhook delivery", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	eventType := github.WebHookType(r)
	if eventType != "workflow_job" {
		log.Debug("ignoring event", "type", eventType)
		writeAck(w, http.StatusAccepted, ack{Outcome: "ignored-event"})
		return
	}

	event, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		log.Warn("unparseable workflow_job payload", "error", err)
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	jobEvent, ok := event.(*github.WorkflowJobEvent)
	if !ok {
		writeAck(w, http.StatusAccepted, ack{Outcome: "ignored-event"})
		return
	}

	var labels []string
	if job := jobEvent.GetWorkflowJob(); job != nil {
		labels = job.Labels
	}
	res, err := h.launcher.HandleJobQueued(ctx, fleet.LaunchRequest{
		Action: jobEvent.GetAction(),
		Labels: labels,
	})
	if err != nil {
		log.Error("launch failed", "error", err)
		http.Error(w, "launch failed", http.StatusBadGateway)
		return
	}

	status := http.StatusAccepted
	if res.Outcome == fleet.OutcomeLaunched {
		status = http.StatusOK
	}
	writeAck(w, status, ack{
		Outcome:      string(res.Outcome),
		Arch:         string(res.Arch),
		InstanceID:   res.InstanceID,
		InstanceType: res.InstanceType,
	})
}

// payload reads and, when a secret is configured, HMAC-validates the body.
func (h *Handler) payload(r *http.Request) ([]byte, error) {
	if h.secret == nil {
		return io.ReadAll(r.Body)
	}
	return github.ValidatePayload(r, h.secret)
}

func writeAck(w http.ResponseWriter, status int, a ack) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(a)
}
