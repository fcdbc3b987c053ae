// Package events publishes job lifecycle events to NATS JetStream so
// downstream consumers (notifiers, dashboards) can react without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/forgeworks/foundry/internal/logfields"
	"github.com/forgeworks/foundry/internal/store"
)

const (
	streamName     = "FOUNDRY_JOBS"
	subjectPrefix  = "foundry.jobs."
	publishTimeout = 5 * time.Second
)

// JobEvent is the wire form of a terminal job transition.
type JobEvent struct {
	JobID        int64     `json:"job_id"`
	RepoID       int64     `json:"repo_id"`
	Status       string    `json:"status"`
	GitSHA       string    `json:"git_sha"`
	GitRef       string    `json:"git_ref"`
	Trigger      string    `json:"trigger"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Publisher manages the NATS connection and the jobs stream.
type Publisher struct {
	conn *nats.Conn
	js   jetstream.JetStream
}

// NewPublisher connects to NATS and ensures the jobs stream exists.
func NewPublisher(url string) (*Publisher, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subjectPrefix + ">"},
		MaxAge:   7 * 24 * time.Hour,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure jobs stream: %w", err)
	}

	slog.Info("NATS publisher initialized", slog.String("url", url), slog.String("stream", streamName))
	return &Publisher{conn: conn, js: js}, nil
}

// JobCompleted publishes the terminal transition to foundry.jobs.<status>.
// Publication is best effort; a failure is logged and never blocks the job.
func (p *Publisher) JobCompleted(ctx context.Context, job *store.Job) {
	event := JobEvent{
		JobID:        job.ID,
		RepoID:       job.RepoID,
		Status:       string(job.Status),
		GitSHA:       job.GitSHA,
		GitRef:       job.GitRef,
		Trigger:      string(job.Trigger),
		ErrorMessage: job.ErrorMessage,
		Timestamp:    time.Now().UTC(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("Marshaling job event failed", logfields.JobID(job.ID), logfields.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := p.js.Publish(pubCtx, subjectPrefix+string(job.Status), data); err != nil {
		slog.Warn("Publishing job event failed", logfields.JobID(job.ID), logfields.Error(err))
		return
	}
	slog.Debug("Published job event",
		logfields.JobID(job.ID), logfields.JobStatus(string(job.Status)))
}

// Close closes the NATS connection.
func (p *Publisher) Close() error {
	if p.conn != nil {
		p.conn.Close()
	}
	return nil
}
