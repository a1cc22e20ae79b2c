package renosync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/renosync_backend/airtable"
	"bitbucket.org/mmdatafocus/renosync_backend/config"
	"bitbucket.org/mmdatafocus/renosync_backend/models"
	"bitbucket.org/mmdatafocus/renosync_backend/utils"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// passLockKey serializes whole passes: the batch is single-flight across
// instances. The TTL bounds how long a crashed pass can block the next one.
const passLockKey = "renosync:pass"

// ProcessSyncRun executes one queued sync run end-to-end: drain every
// enabled view in order, then the extraction trigger, then schedule the
// deferred budget-index reconcile.
func ProcessSyncRun(ctx context.Context, payload SyncPubSubPayload) error {
	if payload.RunId == 0 {
		return errors.New("invalid payload")
	}

	logger := config.GetLogger()
	db := config.GetDB().WithContext(ctx)

	var run models.SyncRun
	if err := db.Where("id = ?", payload.RunId).Take(&run).Error; err != nil {
		return err
	}
	// Terminal runs are never re-executed; redelivery is a no-op.
	if run.Status == models.SyncRunStatusSuccess || run.Status == models.SyncRunStatusFailed || run.Status == models.SyncRunStatusPartial {
		return nil
	}

	var conn models.SourceConnection
	if err := db.Where("id = ?", run.ConnectionId).Take(&conn).Error; err != nil {
		return err
	}
	if conn.Status != models.SourceStatusConnected {
		return errors.New("source not connected")
	}

	if locker := config.GetRedisLock(); locker != nil {
		lock, err := locker.Obtain(ctx, passLockKey, 30*time.Minute, nil)
		if err != nil {
			if errors.Is(err, redislock.ErrNotObtained) {
				// Leave the run queued; the next trigger or retry picks it up.
				logger.WithFields(logrus.Fields{"run_id": run.ID}).Warn("sync pass already in flight")
				return nil
			}
			return err
		}
		defer lock.Release(context.Background())
	}

	now := time.Now()
	startedAt := run.StartedAt
	if startedAt == nil {
		startedAt = &now
	}
	if err := db.Model(&run).Updates(map[string]interface{}{
		"status":     models.SyncRunStatusRunning,
		"started_at": startedAt,
	}).Error; err != nil {
		return err
	}

	ctx = utils.SetSyncRunIdInContext(ctx, run.ID)
	if run.CorrelationId != "" {
		ctx = utils.SetCorrelationIdInContext(ctx, run.CorrelationId)
	}

	client, err := airtable.NewClient(conn.AuthSecretRef, conn.BaseId, conn.TableId)
	if err != nil {
		finishRun(db, &run, startedAt, nil, 0, 0, 1)
		return err
	}

	views := runViews(run, conn)
	store := NewStore(config.GetDB())
	pass := NewSyncPass(store, client, logger, run.ID)

	stats := map[string]ViewResult{}
	totalSynced := 0
	totalSkipped := 0
	errorCount := 0

	for _, view := range views {
		result, err := pass.SyncView(ctx, view)
		stats[view.Name] = result
		totalSynced += result.Created + result.Updated
		totalSkipped += result.Skipped
		errorCount += result.Errors
		if err != nil {
			errorCount++
			pass.recordSyncError(ctx, view.Name, "", "view_sync_failed", err.Error(), true)
			config.LogError(logger, "renosync", "ProcessSyncRun", "view sync failed", view.Name, err)
		}
	}

	trigger := NewExtractionTrigger(store, logger)
	if trigger.Enabled() {
		extraction, err := trigger.Run(ctx)
		if err != nil {
			errorCount++
			config.LogError(logger, "renosync", "ProcessSyncRun", "extraction pass failed", run.ID, err)
		} else {
			logger.WithFields(logrus.Fields{
				"scanned":   extraction.Scanned,
				"eligible":  extraction.Eligible,
				"triggered": extraction.Triggered,
				"failed":    extraction.Failed,
			}).Info("extraction pass finished")
			if extraction.Triggered > 0 {
				// Detached from the request context: the delay outlives the
				// push request, and a lost schedule is recoverable anyway.
				ScheduleReconcile(context.Background(), store, logger)
			}
		}
	}

	status := finishRun(db, &run, startedAt, stats, totalSynced, totalSkipped, errorCount)

	finishedAt := time.Now()
	connUpdates := map[string]interface{}{
		"last_sync_at": finishedAt,
	}
	if status == models.SyncRunStatusSuccess {
		connUpdates["last_success_sync_at"] = finishedAt
	}
	if err := db.Model(&models.SourceConnection{}).
		Where("id = ?", conn.ID).
		Updates(connUpdates).Error; err != nil {
		return err
	}

	return nil
}

// runViews resolves which views this run covers: the run's explicit view
// list when present, otherwise the connection settings.
func runViews(run models.SyncRun, conn models.SourceConnection) []ViewConfig {
	if len(run.ViewsJSON) > 0 {
		var names []string
		if err := json.Unmarshal(run.ViewsJSON, &names); err == nil && len(names) > 0 {
			return EnabledViews(ViewSettings{Views: names})
		}
	}
	return EnabledViews(DecodeViewSettings(conn.SettingsJSON))
}

// finishRun closes the run row: success when nothing failed, failed when
// errors occurred and nothing landed, partial otherwise.
func finishRun(db *gorm.DB, run *models.SyncRun, startedAt *time.Time, stats map[string]ViewResult, synced, skipped, errorCount int) string {
	finishedAt := time.Now()
	status := models.SyncRunStatusSuccess
	if errorCount > 0 && synced == 0 {
		status = models.SyncRunStatusFailed
	} else if errorCount > 0 {
		status = models.SyncRunStatusPartial
	}

	var statsJSON []byte
	if stats != nil {
		// Per-record details stay in sync_errors; the run row keeps counts only.
		summary := map[string]map[string]int{}
		for name, result := range stats {
			summary[name] = map[string]int{
				"created":   result.Created,
				"updated":   result.Updated,
				"unchanged": result.Unchanged,
				"skipped":   result.Skipped,
				"errors":    result.Errors,
			}
		}
		statsJSON, _ = json.Marshal(summary)
	}

	err := db.Model(run).Updates(map[string]interface{}{
		"status":         status,
		"finished_at":    finishedAt,
		"duration_ms":    finishedAt.Sub(*startedAt).Milliseconds(),
		"records_synced": synced,
		"skipped_count":  skipped,
		"error_count":    errorCount,
		"stats_json":     statsJSON,
	}).Error
	if err != nil {
		config.GetLogger().WithFields(logrus.Fields{"run_id": run.ID}).
			Error("failed to finalize sync run: " + err.Error())
	}
	return status
}
