package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActor(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, SystemActor, GetActor(ctx))
	assert.False(t, HasActor(ctx))

	assert.False(t, HasActor(SetActor(ctx, "")))

	ctx = SetActor(ctx, "reviewer@example.com")
	assert.Equal(t, "reviewer@example.com", GetActor(ctx))
	assert.True(t, HasActor(ctx))
}

func TestRequest(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Request{}, GetRequest(ctx))
	assert.Equal(t, map[string]any{"actor": SystemActor}, LogFields(ctx))

	ctx = SetRequest(ctx, Request{ID: "req-1", Method: "POST", Route: "/api/v1/resolve", RemoteIP: "10.0.0.1"})
	ctx = SetActor(ctx, "intake")

	assert.Equal(t, "req-1", GetRequestID(ctx))
	assert.Equal(t, "POST", GetRequest(ctx).Method)
	assert.Equal(t, map[string]any{
		"actor":      "intake",
		"request_id": "req-1",
		"route":      "/api/v1/resolve",
	}, LogFields(ctx))
}
