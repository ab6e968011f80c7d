// Package context carries request-scoped values through the call chain.
package context

import "context"

type ContextKey string

const (
	requestKey = ContextKey("clover.request")
	actorKey   = ContextKey("clover.actor")
)

// SystemActor is recorded when no actor is attached to the request
const SystemActor = "system"

// Request describes the inbound call a context belongs to
type Request struct {
	ID       string
	Method   string
	Route    string
	RemoteIP string
}

// SetRequest attaches the inbound request description
func SetRequest(ctx context.Context, req Request) context.Context {
	return context.WithValue(ctx, requestKey, req)
}

// GetRequest returns the attached request, zero without one
func GetRequest(ctx context.Context) Request {
	req, _ := ctx.Value(requestKey).(Request)
	return req
}

func GetRequestID(ctx context.Context) string {
	return GetRequest(ctx).ID
}

// SetActor attaches the reviewer or job performing a state change
func SetActor(ctx context.Context, actor string) context.Context {
	if actor == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor returns the attached actor, SystemActor without one
func GetActor(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok && actor != "" {
		return actor
	}
	return SystemActor
}

// HasActor reports whether a caller named an actor
func HasActor(ctx context.Context) bool {
	actor, ok := ctx.Value(actorKey).(string)
	return ok && actor != ""
}

// LogFields returns the request values worth attaching to every log line
func LogFields(ctx context.Context) map[string]any {
	req := GetRequest(ctx)
	fields := map[string]any{"actor": GetActor(ctx)}
	if req.ID != "" {
		fields["request_id"] = req.ID
	}
	if req.Route != "" {
		fields["route"] = req.Route
	}
	return fields
}
