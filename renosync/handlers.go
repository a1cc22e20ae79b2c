package renosync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/renosync_backend/config"
	"bitbucket.org/mmdatafocus/renosync_backend/models"
	"bitbucket.org/mmdatafocus/renosync_backend/utils"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const statusCacheKey = "renosync:status"

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cached StatusResponse
		if ok, _ := config.GetRedisObject(statusCacheKey, &cached); ok {
			c.JSON(http.StatusOK, cached)
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, err := getConnection(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if conn == nil {
			c.JSON(http.StatusOK, StatusResponse{
				Connection: ConnectionResponse{Status: models.SourceStatusDisconnected},
			})
			return
		}

		settings := DecodeViewSettings(conn.SettingsJSON)
		viewNames := settings.Views
		if len(viewNames) == 0 {
			for _, v := range SyncViews() {
				viewNames = append(viewNames, v.Name)
			}
		}
		resp := StatusResponse{
			Connection: ConnectionResponse{
				Status:  conn.Status,
				BaseId:  conn.BaseId,
				TableId: conn.TableId,
			},
			LastSyncAt:        formatTime(conn.LastSyncAt),
			LastSuccessSyncAt: formatTime(conn.LastSuccessSyncAt),
			Views:             viewNames,
		}
		_ = config.SetRedisObject(statusCacheKey, resp, 30*time.Second)
		c.JSON(http.StatusOK, resp)
	}
}

func ConnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ConnectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.ValidateStruct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "baseId, tableId and apiKey are required"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, err := getConnection(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		if conn == nil {
			conn = &models.SourceConnection{
				Provider:      models.SourceProviderAirtable,
				Status:        models.SourceStatusConnected,
				BaseId:        req.BaseId,
				TableId:       req.TableId,
				AuthSecretRef: req.APIKey,
				SettingsJSON:  EncodeViewSettings(ViewSettings{}),
			}
			if err := db.Create(conn).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		} else {
			update := map[string]interface{}{
				"status":          models.SourceStatusConnected,
				"base_id":         req.BaseId,
				"table_id":        req.TableId,
				"auth_secret_ref": req.APIKey,
			}
			if err := db.Model(conn).Updates(update).Error; err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}

		_ = config.RemoveRedisKey(statusCacheKey)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func DisconnectHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB().WithContext(c.Request.Context())
		conn, err := getConnection(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusOK, gin.H{"success": true})
			return
		}
		if err := db.Model(conn).Update("status", models.SourceStatusDisconnected).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		_ = config.RemoveRedisKey(statusCacheKey)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func UpdateSettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateSettingsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		for _, name := range req.Views {
			if _, ok := FindView(name); !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown view: " + name})
				return
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, err := getConnection(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source not connected"})
			return
		}

		settings := EncodeViewSettings(ViewSettings{Views: req.Views})
		if err := db.Model(conn).Update("settings_json", settings).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		_ = config.RemoveRedisKey(statusCacheKey)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerSyncRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
				return
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())
		conn, err := getConnection(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if conn == nil || conn.Status != models.SourceStatusConnected {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source not connected"})
			return
		}

		run, err := enqueueSyncRun(c.Request.Context(), conn, req.Views, models.SyncTriggeredManual, nil)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"runId": run.ID, "status": run.Status})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB().WithContext(c.Request.Context())
		var runs []models.SyncRun
		if err := db.Order("id DESC").Limit(20).Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		resp := SyncHistoryResponse{Items: make([]SyncRunResponse, 0, len(runs))}
		for _, run := range runs {
			resp.Items = append(resp.Items, toSyncRunResponse(run))
		}
		c.JSON(http.StatusOK, resp)
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runId, err := strconv.Atoi(c.Param("id"))
		if err != nil || runId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var run models.SyncRun
		if err := db.Where("id = ?", runId).Take(&run).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var syncErrors []models.SyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id").Find(&syncErrors).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		detail := SyncRunDetailResponse{SyncRunResponse: toSyncRunResponse(run)}
		for _, syncError := range syncErrors {
			detail.Errors = append(detail.Errors, SyncErrorResponse{
				ID:        syncError.ID,
				ViewName:  syncError.ViewName,
				UniqueId:  syncError.UniqueId,
				ErrorCode: syncError.ErrorCode,
				Message:   syncError.Message,
				Retryable: syncError.Retryable,
			})
		}
		c.JSON(http.StatusOK, detail)
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		runId, err := strconv.Atoi(c.Param("id"))
		if err != nil || runId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		var parent models.SyncRun
		if err := db.Where("id = ?", runId).Take(&parent).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		conn, err := getConnection(db)
		if err != nil || conn == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "source not connected"})
			return
		}

		var views []string
		if len(parent.ViewsJSON) > 0 {
			_ = json.Unmarshal(parent.ViewsJSON, &views)
		}
		parentId := parent.ID
		run, err := enqueueSyncRun(c.Request.Context(), conn, views, models.SyncTriggeredRetry, &parentId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"runId": run.ID, "status": run.Status})
	}
}

// ListPropertiesHandler lists properties in one phase. Orphaned rows only
// show up when asked for explicitly.
func ListPropertiesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		phase := models.PropertyPhase(c.Query("phase"))
		if !phase.IsValid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid phase"})
			return
		}
		properties, err := models.ListPropertiesByPhase(c.Request.Context(), phase)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": properties})
	}
}

// ReconcilePropertyHandler re-runs the budget-index reconciler for one
// property, standalone.
func ReconcilePropertyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		uniqueId := c.Param("uniqueId")
		ctx := c.Request.Context()

		property, err := models.GetPropertyByUniqueId(ctx, uniqueId)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if property == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "property not found"})
			return
		}

		reconciler := NewReconciler(NewStore(config.GetDB()), config.GetLogger())
		assigned, err := reconciler.ReconcileProperty(ctx, *property)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		total, err := models.CountCostCategories(ctx, property.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"assigned": assigned, "categories": total})
	}
}

// enqueueSyncRun creates the queued run row and hands it to the worker,
// via Pub/Sub when configured or an in-process goroutine otherwise.
func enqueueSyncRun(ctx context.Context, conn *models.SourceConnection, views []string, triggeredBy string, parentRunId *uint) (*models.SyncRun, error) {
	db := config.GetDB().WithContext(ctx)

	var viewsJSON []byte
	if len(views) > 0 {
		viewsJSON, _ = json.Marshal(views)
	}
	correlationId, _ := utils.GetCorrelationIdFromContext(ctx)

	run := &models.SyncRun{
		ConnectionId:  conn.ID,
		Provider:      conn.Provider,
		Status:        models.SyncRunStatusQueued,
		TriggeredBy:   triggeredBy,
		ViewsJSON:     viewsJSON,
		ParentRunId:   parentRunId,
		CorrelationId: correlationId,
	}
	if err := db.Create(run).Error; err != nil {
		return nil, err
	}

	payload := SyncPubSubPayload{RunId: run.ID, ConnectionId: conn.ID}
	if utils.EnvBool("RENOSYNC_DIRECT_PROCESSING", false) {
		go func() {
			if err := ProcessSyncRun(context.Background(), payload); err != nil {
				config.GetLogger().Error("direct sync run failed: " + err.Error())
			}
		}()
		return run, nil
	}

	if err := PublishSyncRun(ctx, run.ID, conn.ID); err != nil {
		// Publish failures must not strand the run: process in-line as a
		// safety net, same at-least-once semantics either way.
		config.GetLogger().Warn("pubsub publish failed; processing run directly: " + err.Error())
		go func() {
			if err := ProcessSyncRun(context.Background(), payload); err != nil {
				config.GetLogger().Error("direct sync run failed: " + err.Error())
			}
		}()
	}
	return run, nil
}

func getConnection(db *gorm.DB) (*models.SourceConnection, error) {
	var conn models.SourceConnection
	err := db.Where("provider = ?", models.SourceProviderAirtable).
		Order("id").
		Take(&conn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &conn, nil
}

func toSyncRunResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		SkippedCount:  run.SkippedCount,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}
