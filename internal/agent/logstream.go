package agent

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgeworks/foundry/internal/logfields"
	"github.com/forgeworks/foundry/internal/store"
)

const (
	// logChannelCap bounds buffered lines. When full, the container output
	// reader blocks: backpressure, never dropped logs.
	logChannelCap = 1024
	// flushInterval and flushBatchSize bound how long a line waits before
	// shipping.
	flushInterval  = 250 * time.Millisecond
	flushBatchSize = 64
)

// logSink ships batches; satisfied by *Client.
type logSink interface {
	AppendLogs(ctx context.Context, job *store.ClaimedJob, stage string, seq int64, lines []LogLine) error
}

// stageLogger streams one stage's output to the server in batches. Write is
// called from the container output reader; the flusher drains on a separate
// goroutine.
type stageLogger struct {
	sink  logSink
	job   *store.ClaimedJob
	stage string
	ch    chan LogLine
	done  chan struct{}
}

func newStageLogger(ctx context.Context, sink logSink, job *store.ClaimedJob, stage string) *stageLogger {
	l := &stageLogger{
		sink:  sink,
		job:   job,
		stage: stage,
		ch:    make(chan LogLine, logChannelCap),
		done:  make(chan struct{}),
	}
	go l.flushLoop(ctx)
	return l
}

// Write enqueues one line, blocking when the buffer is full.
func (l *stageLogger) Write(line string) {
	l.ch <- LogLine{TS: time.Now().UTC(), Line: line}
}

// Close flushes everything still buffered and stops the flusher. Must be
// called before the stage transitions terminal.
func (l *stageLogger) Close() {
	close(l.ch)
	<-l.done
}

func (l *stageLogger) flushLoop(ctx context.Context) {
	defer close(l.done)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	var batch []LogLine
	var seq int64
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := l.sink.AppendLogs(ctx, l.job, l.stage, seq, batch); err != nil {
			slog.Warn("Log batch dropped",
				logfields.JobID(l.job.ID), logfields.Stage(l.stage), logfields.Error(err))
		}
		seq++
		batch = batch[:0]
	}

	for {
		select {
		case line, ok := <-l.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, line)
			if len(batch) >= flushBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
