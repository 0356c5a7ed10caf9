// Package sentryutil reports server errors and recovered panics to Sentry.
package sentryutil

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/chatforge-app/chatforge/internal/pkg/env"
)

const serviceTag = "chatforge"

// Init configures the global Sentry client from SENTRY_DSN. It reports
// whether Sentry is active; an empty DSN disables it.
func Init() bool {
	dsn := env.GetEnv("SENTRY_DSN", "")
	if dsn == "" {
		return false
	}
	release := env.GetEnv("SENTRY_RELEASE", "")
	if release == "" {
		release = env.GetEnv("GIT_COMMIT", "")
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env.GetEnv("SENTRY_ENVIRONMENT", env.GetEnv("APP_ENV", "prod")),
		Release:          release,
		AttachStacktrace: true,
	})
	if err != nil {
		log.Errorf("[Sentry] initialization failed: %v", err)
		return false
	}
	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("service", serviceTag)
	})
	return true
}

// Flush waits for buffered events before shutdown.
func Flush() {
	sentry.Flush(2 * time.Second)
}

// Middleware attaches a per-request hub. Panics are re-raised for the
// recover middleware.
func Middleware() fiber.Handler {
	return sentryfiber.New(sentryfiber.Options{
		Repanic:         true,
		WaitForDelivery: false,
		Timeout:         2 * time.Second,
	})
}

// CaptureError reports err, or message when err is nil, enriched with
// request metadata when c is set.
func CaptureError(c *fiber.Ctx, err error, message string, extras map[string]interface{}) {
	if err == nil && message == "" {
		return
	}

	hub := sentry.CurrentHub()
	if c != nil {
		if ctxHub := sentryfiber.GetHubFromContext(c); ctxHub != nil {
			hub = ctxHub
		}
	}
	if hub == nil || hub.Client() == nil {
		return
	}

	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("service", serviceTag)
		if c != nil {
			scope.SetTag("http.method", c.Method())
			scope.SetTag("http.path", c.Route().Path)
			scope.SetExtra("request_url", c.OriginalURL())
			scope.SetExtra("client_ip", c.IP())
		}
		if message != "" {
			scope.SetExtra("context", message)
		}
		for k, v := range extras {
			scope.SetExtra(k, v)
		}

		if err != nil {
			hub.CaptureException(err)
		} else {
			hub.CaptureMessage(message)
		}
	})
}

// CapturePanic converts a recovered panic into a Sentry event.
func CapturePanic(location string, recovered interface{}) {
	if recovered == nil {
		return
	}
	err := fmt.Errorf("panic recovered in %s: %v", location, recovered)
	CaptureError(nil, err, location, map[string]interface{}{
		"panic_value": recovered,
	})
}

// ErrorHandler is the fiber error handler: it keeps the JSON error shape and
// reports 5xx responses.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	if fe, ok := err.(*fiber.Error); ok {
		code = fe.Code
		message = fe.Message
	}
	if code >= fiber.StatusInternalServerError {
		CaptureError(c, err, "unhandled handler error", nil)
		log.Errorf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
	}
	return c.Status(code).JSON(fiber.Map{"error": errorCode(code), "message": message})
}

func errorCode(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return "bad_request"
	case fiber.StatusUnauthorized:
		return "unauthorized"
	case fiber.StatusForbidden:
		return "forbidden"
	case fiber.StatusNotFound:
		return "not_found"
	case fiber.StatusMethodNotAllowed:
		return "method_not_allowed"
	case fiber.StatusRequestEntityTooLarge:
		return "payload_too_large"
	case fiber.StatusTooManyRequests:
		return "rate_limited"
	}
	if status >= fiber.StatusInternalServerError {
		return "internal_server_error"
	}
	return "error"
}
