package booking

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper drives ExpireSweep on a fixed interval, independent of request
// traffic. Multiple sweeper instances may run at once; correctness comes
// from the per-appointment locking inside the cancel transition, not from
// sweeper-level mutual exclusion.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	timeout  time.Duration
	log      *logrus.Logger
}

func NewSweeper(svc *Service, interval time.Duration, log *logrus.Logger) *Sweeper {
	if log == nil {
		log = logrus.New()
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		timeout:  20 * time.Second,
		log:      log,
	}
}

// Run blocks until ctx is cancelled, sweeping once immediately and then on
// every tick. Sweep failures are logged and retried on the next tick.
func (w *Sweeper) Run(ctx context.Context) {
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("expiry sweeper stopping")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single bounded sweep.
func (w *Sweeper) RunOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	n, err := w.svc.ExpireSweep(runCtx, time.Now())
	if err != nil {
		w.log.WithError(err).Warn("expiry sweep failed")
		return
	}
	w.log.WithFields(logrus.Fields{
		"cancelled": n,
		"took":      time.Since(start).String(),
	}).Info("expiry sweep complete")
}
