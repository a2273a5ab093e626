package memory

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/Awfp1314/ue-toolkits-assistant/pkg/logger"
)

// MaintenanceWorker runs index sweeps on a cron schedule.
type MaintenanceWorker struct {
	svc  *Service
	expr string
	done chan struct{}
	stop sync.Once
}

func NewMaintenanceWorker(svc *Service, cronExpr string) (*MaintenanceWorker, error) {
	if !gronx.New().IsValid(cronExpr) {
		return nil, ErrInvalidCron
	}
	return &MaintenanceWorker{
		svc:  svc,
		expr: cronExpr,
		done: make(chan struct{}),
	}, nil
}

// Start blocks until ctx is cancelled or Stop is called. Run it on its
// own goroutine.
func (w *MaintenanceWorker) Start(ctx context.Context) {
	logger.InfoCF("memory", "maintenance worker started", map[string]interface{}{
		"cron": w.expr,
	})
	for {
		next, err := gronx.NextTick(w.expr, false)
		if err != nil {
			logger.ErrorCF("memory", "cron next tick failed", map[string]interface{}{
				"cron":  w.expr,
				"error": err.Error(),
			})
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.done:
			timer.Stop()
			return
		case <-timer.C:
			w.svc.Maintain(ctx)
		}
	}
}

// Stop is idempotent and safe to call concurrently.
func (w *MaintenanceWorker) Stop() {
	w.stop.Do(func() { close(w.done) })
}
