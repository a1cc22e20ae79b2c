package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/renosync_backend/config"
	"bitbucket.org/mmdatafocus/renosync_backend/models"
	"bitbucket.org/mmdatafocus/renosync_backend/renosync"
	"bitbucket.org/mmdatafocus/renosync_backend/utils"
	"github.com/google/uuid"
)

// Batch entrypoint for scheduled syncs (cron / Cloud Scheduler). Runs one
// full pass in-process and prints the run summary. Per-record errors are
// reported on the run row, not the exit code.
func main() {
	views := flag.String("view", "", "Optional: comma-separated view names (default: all enabled views)")
	flag.Parse()

	requested := utils.SplitAndTrim(*views)
	for _, name := range requested {
		if _, ok := renosync.FindView(name); !ok {
			fmt.Fprintf(os.Stderr, "unknown view: %s\n", name)
			os.Exit(1)
		}
	}

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	var conn models.SourceConnection
	if err := db.Where("provider = ? AND status = ?", models.SourceProviderAirtable, models.SourceStatusConnected).
		Order("id").
		Take(&conn).Error; err != nil {
		fmt.Fprintln(os.Stderr, "no connected source; connect via the service first")
		os.Exit(1)
	}

	var viewsJSON []byte
	if len(requested) > 0 {
		viewsJSON, _ = json.Marshal(requested)
	}
	ctx := utils.SetCorrelationIdInContext(context.Background(), uuid.NewString())
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	run := models.SyncRun{
		ConnectionId:  conn.ID,
		Provider:      conn.Provider,
		Status:        models.SyncRunStatusQueued,
		TriggeredBy:   models.SyncTriggeredSchedule,
		ViewsJSON:     viewsJSON,
		CorrelationId: correlationId,
	}
	if err := db.Create(&run).Error; err != nil {
		fmt.Fprintf(os.Stderr, "create sync run: %v\n", err)
		os.Exit(1)
	}

	payload := renosync.SyncPubSubPayload{RunId: run.ID, ConnectionId: conn.ID}
	if err := renosync.ProcessSyncRun(ctx, payload); err != nil {
		fmt.Fprintf(os.Stderr, "sync run %d failed: %v\n", run.ID, err)
		os.Exit(1)
	}

	var finished models.SyncRun
	if err := db.Where("id = ?", run.ID).Take(&finished).Error; err != nil {
		fmt.Fprintf(os.Stderr, "reload sync run %d: %v\n", run.ID, err)
		os.Exit(1)
	}

	fmt.Printf("run=%d status=%s synced=%d skipped=%d errors=%d duration_ms=%d\n",
		finished.ID, finished.Status, finished.RecordsSynced, finished.SkippedCount,
		finished.ErrorCount, finished.DurationMs)
	if len(finished.StatsJSON) > 0 {
		fmt.Println(strings.TrimSpace(string(finished.StatsJSON)))
	}
}
