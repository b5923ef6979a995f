package core

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/tfkr-ae/redirector/domain"
)

func TestContextHelpers(t *testing.T) {
	t.Run("should round trip every value", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://broken.local/", nil)
		id := uuid.MustParse("01937d13-9632-72aa-83b9-c10ea1abbdd6")
		now := time.Date(2025, 10, 20, 12, 0, 0, 0, time.UTC)
		target := domain.Target{Scheme: domain.SchemeHTTP, Host: "broken.local", Port: 80}

		req = ContextWithRequestID(req, id)
		req = ContextWithRequestTime(req, now)
		req = ContextWithResponseTime(req, now.Add(time.Second))
		req = ContextWithOriginalTarget(req, target)
		req = ContextWithSkipFlag(req, true)

		if got, ok := RequestIDFromContext(req.Context()); !ok || got != id {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", id, got)
		}
		if got, ok := RequestTimeFromContext(req.Context()); !ok || !got.Equal(now) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", now, got)
		}
		if got, ok := ResponseTimeFromContext(req.Context()); !ok || !got.Equal(now.Add(time.Second)) {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", now.Add(time.Second), got)
		}
		if got, ok := OriginalTargetFromContext(req.Context()); !ok || got != target {
			t.Fatalf("\nwanted:\n%v\ngot:\n%v", target, got)
		}
		if got, ok := SkipFlagFromContext(req.Context()); !ok || !got {
			t.Fatalf("\nwanted:\ntrue\ngot:\n%v", got)
		}
	})

	t.Run("should report missing values", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "http://broken.local/", nil)

		if _, ok := RequestIDFromContext(req.Context()); ok {
			t.Fatalf("\nwanted:\nno request id\ngot:\nrequest id")
		}
		if _, ok := SessionFromContext(req.Context()); ok {
			t.Fatalf("\nwanted:\nno session\ngot:\nsession")
		}
	})
}

func TestLogOptions(t *testing.T) {
	t.Run("should apply every option", func(t *testing.T) {
		id := uuid.MustParse("01937d13-9632-72aa-83b9-c10ea1abbdd6")
		log := &domain.Log{}

		for _, option := range []LogOption{
			LogWithContext(map[string]any{"host": "broken.local"}),
			LogWithReqResID(id),
			LogWithSource("Redirector#0"),
			LogAsUrgent(),
		} {
			if err := option(log); err != nil {
				t.Fatalf("\nwanted:\nnil\ngot:\n%v", err)
			}
		}

		if log.Context["host"] != "broken.local" || *log.RequestID != id || log.Source != "Redirector#0" || !log.Urgent {
			t.Fatalf("\nwanted:\nall options applied\ngot:\n%+v", log)
		}
	})
}
