package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/metrics"
	"github.com/cuongbtq/taskbroker/internal/transport"
)

// setupConsumers subscribes the discovery and dispatch handlers
func (w *Worker) setupConsumers(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ctx, domain.SubjectFreeWorkers, "", w.onDiscovery)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", domain.SubjectFreeWorkers, err)
	}
	w.subs = append(w.subs, sub)

	sub, err = w.bus.Subscribe(ctx, w.band.Subject, "", w.onDispatch)
	if err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", w.band.Subject, err)
	}
	w.subs = append(w.subs, sub)

	return nil
}

// onDiscovery answers a free-workers broadcast while the worker has a free slot
func (w *Worker) onDiscovery(ctx context.Context, msg transport.Message) {
	band := w.currentBand()
	if band.Slots == 0 {
		return
	}

	if err := transport.Reply(ctx, w.bus, msg, band); err != nil {
		w.logger.Warn("Failed to answer discovery", slog.String("error", err.Error()))
	}
}

// onDispatch accepts a task into a free slot and acknowledges it. The
// broker rolls its claim back on a refusal.
func (w *Worker) onDispatch(ctx context.Context, msg transport.Message) {
	var d domain.Dispatch
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		w.logger.Error("Failed to parse dispatch",
			slog.String("error", err.Error()),
		)
		w.ack(ctx, msg, domain.Ack{OK: false, Error: "malformed dispatch"})
		return
	}

	if err := w.accept(d); err != nil {
		w.logger.Info("Dispatch refused",
			slog.String("task_id", d.Task.ID),
			slog.String("reason", err.Error()),
		)
		w.ack(ctx, msg, domain.Ack{OK: false, Error: err.Error()})
		return
	}

	w.logger.Debug("Task accepted",
		slog.String("task_id", d.Task.ID),
		slog.Int("free_slots", w.FreeSlots()),
	)
	w.ack(ctx, msg, domain.Ack{OK: true})
}

func (w *Worker) accept(d domain.Dispatch) error {
	task := d.Task
	if !task.InBand(w.band) {
		return fmt.Errorf("priority %d outside band [%d, %d]", task.Priority, w.band.MinPriority, w.band.MaxPriority)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("worker is shutting down")
	}

	select {
	case w.slots <- struct{}{}:
	default:
		return fmt.Errorf("no free slot")
	}

	// jobsChan has one buffer per slot so this never blocks
	w.jobsChan <- d
	metrics.WorkerBusySlots.Inc()
	return nil
}

func (w *Worker) release() {
	<-w.slots
	metrics.WorkerBusySlots.Dec()
}

func (w *Worker) ack(ctx context.Context, msg transport.Message, ack domain.Ack) {
	if err := transport.Reply(ctx, w.bus, msg, ack); err != nil {
		w.logger.Error("Failed to acknowledge dispatch",
			slog.String("error", err.Error()),
		)
	}
}
