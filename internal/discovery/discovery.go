// Package discovery finds workers with free capacity by scatter/gather.
package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuongbtq/taskbroker/internal/domain"
	"github.com/cuongbtq/taskbroker/internal/transport"
)

// DefaultWindow is how long a discovery round collects replies
const DefaultWindow = 300 * time.Millisecond

// Request is the discovery broadcast body
type Request struct {
	RequestedAt time.Time `json:"requested_at"`
}

// FreeWorkers broadcasts a free-workers request and returns every band
// received within window. Workers replying later are not seen by this
// round. Malformed replies and bands without free slots are skipped.
func FreeWorkers(ctx context.Context, bus transport.Bus, window time.Duration, logger *slog.Logger) ([]domain.WorkerBand, error) {
	if window <= 0 {
		window = DefaultWindow
	}

	replies, err := transport.Gather(ctx, bus, domain.SubjectFreeWorkers, Request{RequestedAt: time.Now()}, window)
	if err != nil && len(replies) == 0 {
		return nil, err
	}

	bands := make([]domain.WorkerBand, 0, len(replies))
	for _, reply := range replies {
		var band domain.WorkerBand
		if err := json.Unmarshal(reply, &band); err != nil {
			logger.Warn("Ignoring malformed worker band",
				slog.String("error", err.Error()),
			)
			continue
		}
		if band.Slots <= 0 {
			logger.Debug("Ignoring worker band without free slots",
				slog.String("worker_id", band.WorkerID),
			)
			continue
		}
		bands = append(bands, band)
	}

	return bands, nil
}
