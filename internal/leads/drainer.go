package leads

import (
	"context"
	"log/slog"
	"time"

	"crm-callsync/internal/connectivity"
)

// DefaultDrainInterval is how often the queue is replayed without a
// connectivity change.
const DefaultDrainInterval = 5 * time.Minute

// Drainer replays the offline queue when the network comes back and on a
// fixed interval.
type Drainer struct {
	repo     *Repository
	net      connectivity.Monitor
	interval time.Duration
	log      *slog.Logger
}

func NewDrainer(repo *Repository, net connectivity.Monitor, interval time.Duration, log *slog.Logger) *Drainer {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &Drainer{repo: repo, net: net, interval: interval, log: log.With("component", "leads.drainer")}
}

// Run blocks until ctx is done.
func (d *Drainer) Run(ctx context.Context) error {
	var changes <-chan connectivity.State
	if d.net != nil {
		ch, unsubscribe := d.net.Subscribe()
		defer unsubscribe()
		changes = ch
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.drain(ctx)
		case s, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			if s.Connected() {
				d.log.Info("network available, replaying lead actions", "network", s.String())
				d.drain(ctx)
			}
		}
	}
}

func (d *Drainer) drain(ctx context.Context) {
	if !d.repo.online() {
		return
	}
	if _, err := d.repo.ProcessPendingActions(ctx); err != nil && ctx.Err() == nil {
		d.log.Error("process pending lead actions", "error", err)
	}
}
