package utils

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/verenigingen/eboekhouden/appctx"
)

var (
	ContextKeyBusinessId    = appctx.ContextKeyBusinessId
	ContextKeyUserId        = appctx.ContextKeyUserId
	ContextKeyUserName      = appctx.ContextKeyUserName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyRunId         = appctx.ContextKeyRunId
)

func GetBusinessIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyBusinessId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetRunIdFromContext(ctx context.Context) (uint, bool) {
	return appctx.GetUint(ctx, ContextKeyRunId)
}

func SetBusinessIdInContext(ctx context.Context, businessId string) context.Context {
	return appctx.Set(ctx, ContextKeyBusinessId, businessId)
}

func SetUserIdInContext(ctx context.Context, userId int) context.Context {
	return appctx.Set(ctx, ContextKeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, ContextKeyUserName, userName)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}

// WithRun scopes ctx to one migration run. An empty correlationId keeps the one on ctx.
func WithRun(ctx context.Context, businessId string, runId uint, correlationId string) context.Context {
	ctx = appctx.Set(ctx, ContextKeyBusinessId, businessId)
	ctx = appctx.Set(ctx, ContextKeyRunId, runId)
	if correlationId != "" {
		ctx = appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
	}
	return ctx
}

// LogFields returns the business, run, user and correlation ids found on ctx.
func LogFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	if v, ok := GetBusinessIdFromContext(ctx); ok {
		fields["business_id"] = v
	}
	if v, ok := GetRunIdFromContext(ctx); ok {
		fields["run_id"] = v
	}
	if v, ok := GetUserNameFromContext(ctx); ok {
		fields["user"] = v
	}
	if v, ok := GetCorrelationIdFromContext(ctx); ok {
		fields["correlation_id"] = v
	}
	return fields
}
