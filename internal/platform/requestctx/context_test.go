package requestctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestLoggerFallbacks(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, Logger(ctx))

	fallback := zap.NewExample()
	assert.Same(t, fallback, LoggerOr(ctx, fallback))
	assert.NotNil(t, LoggerOr(ctx, nil))

	attached := zap.NewNop().Named("request")
	ctx = WithLogger(ctx, attached)
	assert.Same(t, attached, Logger(ctx))
	assert.Same(t, attached, LoggerOr(ctx, fallback))
	assert.Same(t, attached, Logger(WithLogger(ctx, nil)))
}

func TestScopeIsSharedWithDownstreamContexts(t *testing.T) {
	ctx, scope := WithScope(context.Background())
	child := context.WithValue(ctx, contextKey(99), "x")

	ScopeFrom(child).SetShopID("shop_1")
	ScopeFrom(child).SetActor("owner-1")

	assert.Equal(t, "shop_1", scope.ShopID)
	assert.Equal(t, "owner-1", scope.Actor)

	assert.Nil(t, ScopeFrom(context.Background()))
	assert.NotPanics(t, func() { ScopeFrom(context.Background()).SetShopID("ignored") })
}

func TestTraceID(t *testing.T) {
	assert.Empty(t, TraceID(context.Background()))
	ctx := WithTrace(context.Background(), TraceInfo{TraceID: "abc", SpanID: "def"})
	assert.Equal(t, "abc", TraceID(ctx))
}
