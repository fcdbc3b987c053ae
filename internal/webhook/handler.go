// Package webhook accepts GitHub webhook deliveries, verifies them, and
// turns qualifying pushes and pull requests into queued jobs.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/forgeworks/foundry/internal/logfields"
	"github.com/forgeworks/foundry/internal/metrics"
	"github.com/forgeworks/foundry/internal/store"
)

// Store is the slice of the persistence layer the ingress needs.
type Store interface {
	InsertDelivery(ctx context.Context, eventType, deliveryID string, signatureValid bool, payload []byte) (int64, bool, error)
	MarkDeliveryProcessed(ctx context.Context, deliveryRowID int64, jobID *int64, errorMessage string) error
	MarkDeliveryError(ctx context.Context, deliveryRowID int64, errorMessage string) error
	UpsertRepo(ctx context.Context, owner, name string, meta store.RepoMeta) (int64, error)
	GetRepo(ctx context.Context, id int64) (*store.Repo, error)
	EnqueueJob(ctx context.Context, repoID int64, sha, ref string, opts store.EnqueueOpts) (int64, error)
}

// Handler is the HTTP ingress for POST /webhook/github.
type Handler struct {
	store  Store
	secret string
}

// NewHandler builds the ingress with the shared HMAC secret.
func NewHandler(st Store, secret string) *Handler {
	return &Handler{store: st, secret: secret}
}

const maxPayloadBytes = 10 << 20

// ServeHTTP implements the delivery flow: buffer, verify, persist, dispatch.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	deliveryID := r.Header.Get("X-GitHub-Delivery")
	signature := r.Header.Get("X-Hub-Signature-256")

	if !VerifySignature(h.secret, body, signature) {
		if _, _, err := h.store.InsertDelivery(ctx, eventType, deliveryID, false, body); err != nil {
			slog.Error("Persisting rejected delivery failed",
				logfields.DeliveryID(deliveryID), logfields.Error(err))
		}
		metrics.DeliveriesTotal.WithLabelValues("invalid_signature").Inc()
		slog.Warn("Webhook signature mismatch", logfields.DeliveryID(deliveryID))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	rowID, fresh, err := h.store.InsertDelivery(ctx, eventType, deliveryID, true, body)
	if err != nil {
		slog.Error("Persisting delivery failed", logfields.DeliveryID(deliveryID), logfields.Error(err))
		http.Error(w, "storage failure", http.StatusServiceUnavailable)
		return
	}
	if !fresh {
		metrics.DeliveriesTotal.WithLabelValues("duplicate").Inc()
		slog.Info("Duplicate delivery dropped", logfields.DeliveryID(deliveryID))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch eventType {
	case "push":
		h.handlePush(ctx, w, rowID, deliveryID, body)
	case "pull_request":
		h.handlePullRequest(ctx, w, rowID, deliveryID, body)
	default:
		h.filtered(ctx, w, rowID, "unsupported")
	}
}

func (h *Handler) handlePush(ctx context.Context, w http.ResponseWriter, rowID int64, deliveryID string, body []byte) {
	var ev PushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.parseFailed(ctx, w, rowID, "parse push payload: "+err.Error())
		return
	}
	branch := ev.Branch()
	if branch == "" || ev.Deleted || ev.After == "" || isNullSHA(ev.After) {
		h.filtered(ctx, w, rowID, "ignored")
		return
	}

	repo, err := h.resolveRepo(ctx, ev.Repository)
	if err != nil {
		h.storageFailed(ctx, w, rowID, err)
		return
	}
	if !repo.Triggers.BranchAllowed(branch) {
		slog.Info("Push filtered by trigger rules",
			logfields.Repository(repo.FullName()), logfields.Branch(branch))
		h.filtered(ctx, w, rowID, "filtered")
		return
	}

	opts := store.EnqueueOpts{Trigger: store.TriggerPush}
	if ev.HeadCommit != nil {
		opts.Commit = store.CommitMeta{
			Message: ev.HeadCommit.Message,
			Author:  ev.HeadCommit.Author.Name,
			URL:     ev.HeadCommit.URL,
		}
	}
	h.enqueue(ctx, w, rowID, deliveryID, repo, ev.After, ev.Ref, opts)
}

func (h *Handler) handlePullRequest(ctx context.Context, w http.ResponseWriter, rowID int64, deliveryID string, body []byte) {
	var ev PullRequestEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		h.parseFailed(ctx, w, rowID, "parse pull_request payload: "+err.Error())
		return
	}
	if !ev.ShouldBuild() {
		h.filtered(ctx, w, rowID, "ignored")
		return
	}

	repo, err := h.resolveRepo(ctx, ev.Repository)
	if err != nil {
		h.storageFailed(ctx, w, rowID, err)
		return
	}
	if !repo.Triggers.PRAllowed(ev.PullRequest.Base.Ref) {
		slog.Info("Pull request filtered by trigger rules",
			logfields.Repository(repo.FullName()), logfields.Branch(ev.PullRequest.Base.Ref))
		h.filtered(ctx, w, rowID, "filtered")
		return
	}

	opts := store.EnqueueOpts{
		Trigger:  store.TriggerPullRequest,
		PRNumber: &ev.Number,
		Commit: store.CommitMeta{
			Message: ev.PullRequest.Title,
			Author:  ev.PullRequest.User.Login,
			URL:     ev.PullRequest.HTMLURL,
		},
	}
	h.enqueue(ctx, w, rowID, deliveryID, repo, ev.PullRequest.Head.SHA, fmt.Sprintf("refs/pull/%d/head", ev.Number), opts)
}

func (h *Handler) resolveRepo(ctx context.Context, r Repository) (*store.Repo, error) {
	id, err := h.store.UpsertRepo(ctx, r.Owner.Login, r.Name, store.RepoMeta{
		CloneURL:      r.CloneURL,
		DefaultBranch: r.DefaultBranch,
		Description:   r.Description,
		Private:       r.Private,
	})
	if err != nil {
		return nil, err
	}
	return h.store.GetRepo(ctx, id)
}

func (h *Handler) enqueue(ctx context.Context, w http.ResponseWriter, rowID int64, deliveryID string, repo *store.Repo, sha, ref string, opts store.EnqueueOpts) {
	jobID, err := h.store.EnqueueJob(ctx, repo.ID, sha, ref, opts)
	if err != nil {
		h.storageFailed(ctx, w, rowID, err)
		return
	}
	if err := h.store.MarkDeliveryProcessed(ctx, rowID, &jobID, ""); err != nil {
		slog.Error("Marking delivery processed failed", logfields.Error(err))
	}
	metrics.DeliveriesTotal.WithLabelValues("enqueued").Inc()
	metrics.JobsTotal.WithLabelValues(string(store.JobQueued)).Inc()
	slog.Info("Job enqueued from webhook",
		logfields.DeliveryID(deliveryID),
		logfields.Repository(repo.FullName()),
		logfields.SHA(sha),
		logfields.JobID(jobID))
	writeJSON(w, http.StatusAccepted, map[string]int64{"job_id": jobID})
}

func (h *Handler) filtered(ctx context.Context, w http.ResponseWriter, rowID int64, reason string) {
	if err := h.store.MarkDeliveryProcessed(ctx, rowID, nil, reason); err != nil {
		slog.Error("Marking delivery processed failed", logfields.Error(err))
	}
	metrics.DeliveriesTotal.WithLabelValues(reason).Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) parseFailed(ctx context.Context, w http.ResponseWriter, rowID int64, reason string) {
	if err := h.store.MarkDeliveryError(ctx, rowID, reason); err != nil {
		slog.Error("Recording delivery error failed", logfields.Error(err))
	}
	metrics.DeliveriesTotal.WithLabelValues("parse_error").Inc()
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": reason})
}

func (h *Handler) storageFailed(ctx context.Context, w http.ResponseWriter, rowID int64, err error) {
	slog.Error("Delivery handling failed", logfields.Error(err))
	if markErr := h.store.MarkDeliveryError(ctx, rowID, err.Error()); markErr != nil {
		slog.Error("Recording delivery error failed", logfields.Error(markErr))
	}
	http.Error(w, "storage failure", http.StatusServiceUnavailable)
}

func isNullSHA(sha string) bool {
	for _, c := range sha {
		if c != '0' {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
