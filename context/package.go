// Package context contains functions to embed data in a context and
// retrieve it back out, plus a logger that is annotated with that data.
package context

import (
	"context"

	"github.com/sirupsen/logrus"
)

type contextKey int

const (
	uuidKey contextKey = iota
	componentKey
	instanceIDKey
)

// FromUUID generates a new context with the given context as its parent and
// stores the given UUID with the context.
func FromUUID(ctx context.Context, uuid string) context.Context {
	return context.WithValue(ctx, uuidKey, uuid)
}

// FromComponent generates a new context with the given context as its parent
// and stores the given component name with the context.
func FromComponent(ctx context.Context, component string) context.Context {
	return context.WithValue(ctx, componentKey, component)
}

// FromInstanceID generates a new context with the given context as its parent
// and stores the given instance ID with the context.
func FromInstanceID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, instanceIDKey, id)
}

// UUIDFromContext returns the UUID stored in the context, if any.
func UUIDFromContext(ctx context.Context) (string, bool) {
	uuid, ok := ctx.Value(uuidKey).(string)
	return uuid, ok
}

// ComponentFromContext returns the component name stored in the context, if
// any.
func ComponentFromContext(ctx context.Context) (string, bool) {
	component, ok := ctx.Value(componentKey).(string)
	return component, ok
}

// InstanceIDFromContext returns the instance ID stored in the context, if
// any.
func InstanceIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(instanceIDKey).(int64)
	return id, ok
}

// LoggerFromContext returns a logrus.Entry with fields for the data stored
// in the context.
func LoggerFromContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(logrus.StandardLogger())

	if uuid, ok := UUIDFromContext(ctx); ok {
		entry = entry.WithField("uuid", uuid)
	}

	if component, ok := ComponentFromContext(ctx); ok {
		entry = entry.WithField("component", component)
	}

	if id, ok := InstanceIDFromContext(ctx); ok {
		entry = entry.WithField("instance_id", id)
	}

	return entry
}
