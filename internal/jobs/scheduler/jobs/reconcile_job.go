package jobs

import (
	"context"
	"time"

	"x402-engine/internal/settlement"
)

type Reconciler interface {
	Reconcile(ctx context.Context, limit int) (settlement.ReconcileReport, error)
}

// ReconcileJob sweeps settlements left unresolved by a crash or a lost poll
type ReconcileJob struct {
	reconciler Reconciler
	interval   time.Duration
	limit      int
}

func NewReconcileJob(reconciler Reconciler, interval time.Duration, limit int) *ReconcileJob {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ReconcileJob{
		reconciler: reconciler,
		interval:   interval,
		limit:      limit,
	}
}

func (j *ReconcileJob) Name() string {
	return "settlement_reconcile"
}

func (j *ReconcileJob) Schedule() time.Duration {
	return j.interval
}

func (j *ReconcileJob) Run(ctx context.Context) error {
	_, err := j.reconciler.Reconcile(ctx, j.limit)
	return err
}
