package schedule

import "context"

type VectorReconciler interface {
	ReconcileVectors(ctx context.Context) (int, error)
}

// ReconcileJob retries vector purges for deleted documents.
type ReconcileJob struct {
	reconciler VectorReconciler
}

func NewReconcileJob(r VectorReconciler) *ReconcileJob {
	return &ReconcileJob{reconciler: r}
}

func (j *ReconcileJob) Name() string { return "vector_reconcile" }

func (j *ReconcileJob) Run(ctx context.Context) error {
	_, err := j.reconciler.ReconcileVectors(ctx)
	return err
}
