// Package syncer decides when the offline queue gets replayed.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kalambet/clubsync/internal/connectivity"
	"github.com/kalambet/clubsync/internal/queue"
)

const DefaultSchedule = "@every 1m"

// Replayer abstracts the queue operations the worker drives.
type Replayer interface {
	ProcessRegistered(ctx context.Context) (queue.Summary, error)
	Len(ctx context.Context) (int, error)
}

// Status describes the last replay pass.
type Status struct {
	Runs    int           `json:"runs"`
	LastRun time.Time     `json:"last_run,omitzero"`
	Last    queue.Summary `json:"last"`
	Error   string        `json:"error,omitempty"`
}

// Worker replays the queue on a cron schedule, when connectivity comes back
// and on demand. Passes are skipped while offline.
type Worker struct {
	queue    Replayer
	oracle   connectivity.Oracle
	schedule cron.Schedule
	trigger  chan struct{}
	logger   *slog.Logger

	mu     sync.Mutex
	status Status
}

// NewWorker creates a Worker. An empty schedule uses DefaultSchedule.
func NewWorker(q Replayer, oracle connectivity.Oracle, schedule string) (*Worker, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("parsing sync schedule %q: %w", schedule, err)
	}
	return &Worker{
		queue:    q,
		oracle:   oracle,
		schedule: sched,
		trigger:  make(chan struct{}, 1),
		logger:   slog.Default(),
	}, nil
}

// Trigger asks for a pass as soon as possible. Requests made while one is
// pending are merged.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Watch triggers a pass whenever m reports that connectivity came back.
func (w *Worker) Watch(m *connectivity.Monitor) {
	m.OnChange(func(online bool) {
		if online {
			w.logger.Info("connectivity restored, replaying queue")
			w.Trigger()
		}
	})
}

// Run schedules passes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	c := cron.New()
	c.Schedule(w.schedule, cron.FuncJob(w.Trigger))
	c.Start()
	defer c.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.trigger:
			if _, _, err := w.RunOnce(ctx); err != nil {
				w.logger.Error("queue replay failed", "error", err)
			}
		}
	}
}

// RunOnce makes one replay pass. ran is false when the pass was skipped
// because the device is offline or there is nothing queued.
func (w *Worker) RunOnce(ctx context.Context) (sum queue.Summary, ran bool, err error) {
	if !w.oracle.IsOnline(ctx) {
		w.logger.Debug("offline, skipping queue replay")
		return queue.Summary{}, false, nil
	}
	n, err := w.queue.Len(ctx)
	if err != nil {
		return queue.Summary{}, false, fmt.Errorf("reading queue length: %w", err)
	}
	if n == 0 {
		return queue.Summary{}, false, nil
	}

	sum, err = w.queue.ProcessRegistered(ctx)

	w.mu.Lock()
	w.status.Runs++
	w.status.LastRun = time.Now().UTC()
	w.status.Last = sum
	w.status.Error = ""
	if err != nil {
		w.status.Error = err.Error()
	}
	w.mu.Unlock()

	if err != nil {
		return sum, true, fmt.Errorf("processing queue: %w", err)
	}
	return sum, true, nil
}

// Status returns the outcome of the last pass.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}
