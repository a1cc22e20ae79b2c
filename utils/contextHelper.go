package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/renosync_backend/appctx"
)

var (
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeySyncRunId     = appctx.ContextKeySyncRunId
	ContextKeyViewName      = appctx.ContextKeyViewName
)

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

func GetSyncRunIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.GetUint(ctx, ContextKeySyncRunId)
}

func SetSyncRunIdInContext(ctx context.Context, runId uint) context.Context {
	return appctx.Set(ctx, ContextKeySyncRunId, runId)
}

func GetViewNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyViewName)
}

func SetViewNameInContext(ctx context.Context, view string) context.Context {
	return appctx.Set(ctx, ContextKeyViewName, view)
}
