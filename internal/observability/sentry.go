package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry is a no-op without a DSN. Events are scrubbed of request
// bodies, cookies and Authorization headers before they leave the process.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	event.Request.Data = ""
	event.Request.Cookies = ""
	for name := range event.Request.Headers {
		switch name {
		case "Authorization", "Cookie", "authorization", "cookie":
			delete(event.Request.Headers, name)
		}
	}
	return event
}
