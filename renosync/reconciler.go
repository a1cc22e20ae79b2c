package renosync

import (
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/renosync_backend/models"
	"bitbucket.org/mmdatafocus/renosync_backend/utils"
	"github.com/sirupsen/logrus"
)

// PartitionBudgetIndexes returns the 1-based budget index for each of
// categoryCount rows sorted by creation time, partitioned into documentCount
// contiguous groups. The first (categoryCount mod documentCount) groups take
// the ceiling size, the rest the floor, so 7 rows over 3 documents group as
// [3,2,2] with indexes [1,1,1,2,2,3,3].
func PartitionBudgetIndexes(categoryCount, documentCount int) []int {
	if categoryCount <= 0 {
		return nil
	}
	indexes := make([]int, categoryCount)
	if documentCount <= 1 {
		for i := range indexes {
			indexes[i] = 1
		}
		return indexes
	}

	base := categoryCount / documentCount
	remainder := categoryCount % documentCount
	pos := 0
	for group := 0; group < documentCount && pos < categoryCount; group++ {
		size := base
		if group < remainder {
			size++
		}
		for i := 0; i < size && pos < categoryCount; i++ {
			indexes[pos] = group + 1
			pos++
		}
	}
	return indexes
}

type ReconcileResult struct {
	Properties int `json:"properties"`
	Assigned   int `json:"assigned"`
	Failed     int `json:"failed"`
}

// Reconciler retroactively assigns budget indexes to cost categories the
// automation service inserted without tagging their source document.
//
// The grouping is a best-effort heuristic: it assumes the automation service
// inserts categories in document order and roughly balanced per document.
// When one document yields disproportionately more categories than another,
// rows near a group boundary can land on the wrong index. The clean fix is
// for the automation service to tag rows at insertion time; until then this
// stays a compatibility shim and is deliberately not hardened further.
type Reconciler struct {
	store  Store
	logger *logrus.Logger
}

func NewReconciler(store Store, logger *logrus.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// ReconcileProperty assigns indexes for one property and returns how many
// rows were written. Re-running is a no-op: the selection only returns rows
// with no index assigned yet. Per-row write failures are logged and skipped;
// the job itself never fails on them.
func (r *Reconciler) ReconcileProperty(ctx context.Context, property models.Property) (int, error) {
	categories, err := r.store.ListUnindexedCostCategories(ctx, property.ID)
	if err != nil {
		return 0, fmt.Errorf("store unreachable for reconcile: %w", err)
	}
	if len(categories) == 0 {
		return 0, nil
	}

	documents := utils.SplitAndTrim(property.DocumentUrls)
	indexes := PartitionBudgetIndexes(len(categories), len(documents))

	assigned := 0
	for i, category := range categories {
		if err := r.store.SetBudgetIndex(ctx, category.ID, indexes[i]); err != nil {
			r.logger.WithFields(logrus.Fields{
				"unique_id":        property.UniqueId,
				"cost_category_id": category.ID,
			}).Warn("budget index write failed: " + err.Error())
			continue
		}
		assigned++
	}

	r.logger.WithFields(logrus.Fields{
		"unique_id": property.UniqueId,
		"documents": len(documents),
		"assigned":  assigned,
	}).Info("budget indexes reconciled")
	return assigned, nil
}

// Run reconciles every in-progress property that has documents. It is safe
// to invoke as a standalone job at any time; eligibility is recomputed from
// scratch on each invocation.
func (r *Reconciler) Run(ctx context.Context) (ReconcileResult, error) {
	ctx, span := tracer.Start(ctx, "renosync.Reconciler")
	defer span.End()

	result := ReconcileResult{}
	properties, err := r.store.ListPropertiesInPhaseWithDocuments(ctx, models.PhaseInProgress)
	if err != nil {
		return result, fmt.Errorf("store unreachable for reconcile scan: %w", err)
	}

	for _, property := range properties {
		assigned, err := r.ReconcileProperty(ctx, property)
		if err != nil {
			result.Failed++
			r.logger.WithFields(logrus.Fields{"unique_id": property.UniqueId}).
				Error("reconcile failed: " + err.Error())
			continue
		}
		if assigned > 0 {
			result.Properties++
			result.Assigned += assigned
		}
	}
	return result, nil
}

// ScheduleReconcile runs the reconciler once after the configured delay,
// which gives the automation service time to finish inserting. The caller's
// context cancels the wait; since the reconciler is idempotent and
// re-triggerable standalone, a cancelled or lost schedule only defers the
// work to the next pass or a manual job.
func ScheduleReconcile(ctx context.Context, store Store, logger *logrus.Logger) {
	delay := utils.EnvDuration("RENOSYNC_RECONCILE_DELAY", 10*time.Minute)
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if _, err := NewReconciler(store, logger).Run(context.Background()); err != nil {
			logger.Error("deferred reconcile failed: " + err.Error())
		}
	}()
}
