package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avdeenkov/remindrelay/internal/pkg/ctxlog"
)

// WorkerConfig contains poll driver configuration.
type WorkerConfig struct {
	PollInterval time.Duration
	NumWorkers   int
}

// DefaultWorkerConfig returns default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval: 15 * time.Second,
		NumWorkers:   2,
	}
}

// Worker periodically drives ProcessDueDeliveries. Several workers, in
// this process or in other replicas, are safe to run concurrently: the
// claim step serializes them per item.
type Worker struct {
	config  WorkerConfig
	service *Service
	clock   Clock

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewWorker creates a delivery worker.
func NewWorker(config WorkerConfig, service *Service, clock Clock) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultWorkerConfig().PollInterval
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = DefaultWorkerConfig().NumWorkers
	}
	return &Worker{
		config:  config,
		service: service,
		clock:   clock,
		stopCh:  make(chan struct{}),
	}
}

// Start launches worker goroutines.
func (w *Worker) Start(ctx context.Context) {
	slog.Info("starting delivery worker",
		"workers", w.config.NumWorkers,
		"poll_interval", w.config.PollInterval,
	)

	for i := 0; i < w.config.NumWorkers; i++ {
		w.wg.Add(1)
		go w.run(ctx, i)
	}
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	slog.Info("delivery worker stopped")
}

func (w *Worker) run(ctx context.Context, workerID int) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			cycleCtx := ctxlog.With(ctx, "worker", workerID)
			result, err := w.service.ProcessDueDeliveries(cycleCtx, w.clock.Now())
			if err != nil {
				// Store failures are not retried here; the next poll
				// cycle re-reads the due set.
				slog.Error("delivery cycle failed", "worker", workerID, "error", err)
				continue
			}
			if result.Processed > 0 {
				slog.Debug("delivery cycle finished",
					"worker", workerID,
					"processed", result.Processed,
					"successful", result.Successful,
					"failed", result.Failed,
				)
			}
		}
	}
}
