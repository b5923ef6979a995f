package core

import (
	"context"
	"net/http"
	"time"

	"github.com/google/martian"
	"github.com/google/uuid"
	"github.com/tfkr-ae/redirector/domain"
)

type contextKey string

const (
	// RequestIDKey is the context key for the request ID (uuid.UUID), shared by the request and its response
	RequestIDKey contextKey = "RequestID"
	// RequestTimeKey is the context key for the request timestamp (time.Time)
	RequestTimeKey contextKey = "RequestTime"
	// ResponseTimeKey is the context key for the response timestamp (time.Time)
	ResponseTimeKey contextKey = "ResponseTime"
	// MartianSessionKey is the context key for the martian session (*martian.Session)
	MartianSessionKey contextKey = "SessionKey"
	// OriginalTargetKey is the context key for the destination (domain.Target) before any listener rewrote it
	OriginalTargetKey contextKey = "OriginalTarget"
	// SkipKey is the context key for the flag (bool) that excludes the exchange from the remaining modifiers
	SkipKey contextKey = "Skip"
)

// ContextWithRequestID returns a new request with a request ID in the context
func ContextWithRequestID(req *http.Request, requestID uuid.UUID) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), RequestIDKey, requestID))
}

// RequestIDFromContext returns the request ID from the context if it exists
func RequestIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(RequestIDKey).(uuid.UUID)
	return id, ok
}

// ContextWithRequestTime returns a new request with the request time in the context
func ContextWithRequestTime(req *http.Request, requestTime time.Time) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), RequestTimeKey, requestTime))
}

// RequestTimeFromContext returns the request time from the context if it exists
func RequestTimeFromContext(ctx context.Context) (time.Time, bool) {
	timestamp, ok := ctx.Value(RequestTimeKey).(time.Time)
	return timestamp, ok
}

// ContextWithResponseTime returns a new request with the response time in the context
func ContextWithResponseTime(req *http.Request, responseTime time.Time) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), ResponseTimeKey, responseTime))
}

// ResponseTimeFromContext returns the response time from the context if it exists
func ResponseTimeFromContext(ctx context.Context) (time.Time, bool) {
	timestamp, ok := ctx.Value(ResponseTimeKey).(time.Time)
	return timestamp, ok
}

// ContextWithSession returns a new request with a martian session in the context
func ContextWithSession(req *http.Request, session *martian.Session) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), MartianSessionKey, session))
}

// SessionFromContext returns the martian session from the context if it exists
func SessionFromContext(ctx context.Context) (*martian.Session, bool) {
	session, ok := ctx.Value(MartianSessionKey).(*martian.Session)
	return session, ok
}

// ContextWithOriginalTarget returns a new request with the pre-rewrite destination in the context
func ContextWithOriginalTarget(req *http.Request, target domain.Target) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), OriginalTargetKey, target))
}

// OriginalTargetFromContext returns the pre-rewrite destination from the context if it exists
func OriginalTargetFromContext(ctx context.Context) (domain.Target, bool) {
	target, ok := ctx.Value(OriginalTargetKey).(domain.Target)
	return target, ok
}

// ContextWithSkipFlag returns a new request with the skip flag in the context
func ContextWithSkipFlag(req *http.Request, skip bool) *http.Request {
	return req.WithContext(context.WithValue(req.Context(), SkipKey, skip))
}

// SkipFlagFromContext returns the value of the skip flag from the context if it exists
func SkipFlagFromContext(ctx context.Context) (bool, bool) {
	skip, ok := ctx.Value(SkipKey).(bool)
	return skip, ok
}
