// Package middleware provides panic recovery for HTTP handlers and
// background goroutines.
package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/audit"
	"go.uber.org/zap"
)

// Recovery turns panics into a 500 response and an ALERT audit entry.
type Recovery struct {
	logger   *zap.Logger
	recorder audit.Recorder
	onPanic  PanicHandler

	panicsRecovered atomic.Uint64
}

// PanicHandler writes the response after a handler panic.
type PanicHandler func(w http.ResponseWriter, r *http.Request, err any)

// NewRecovery creates recovery middleware.
func NewRecovery(logger *zap.Logger, recorder audit.Recorder) *Recovery {
	if recorder == nil {
		recorder = audit.Discard
	}
	return &Recovery{
		logger:   logger.Named("recovery"),
		recorder: recorder,
		onPanic:  defaultPanicHandler,
	}
}

// Middleware returns the HTTP middleware function
func (rm *Recovery) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			err := recover()
			if err == nil {
				return
			}
			// the server aborts the connection on this sentinel
			if err == http.ErrAbortHandler {
				panic(err)
			}
			rm.panicsRecovered.Add(1)

			rm.logger.Error("HTTP handler panic",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote", r.RemoteAddr),
				zap.Any("error", err),
				zap.String("stack", string(debug.Stack())),
			)
			rm.recorder.Record("http", "handler_panic", audit.SeverityAlert, map[string]any{
				"method": r.Method,
				"path":   r.URL.Path,
				"panic":  fmt.Sprint(err),
			})

			rm.onPanic(w, r, err)
		}()

		next.ServeHTTP(w, r)
	})
}

// SetPanicHandler sets a custom panic handler
func (rm *Recovery) SetPanicHandler(handler PanicHandler) {
	rm.onPanic = handler
}

// Panics returns how many panics were recovered.
func (rm *Recovery) Panics() uint64 {
	return rm.panicsRecovered.Load()
}

// Go runs fn in a goroutine, logging and recording a panic instead of
// crashing the process.
func (rm *Recovery) Go(name string, fn func()) {
	go func() {
		defer func() {
			if err := recover(); err != nil {
				rm.panicsRecovered.Add(1)
				rm.logger.Error("Goroutine panic",
					zap.String("goroutine", name),
					zap.Any("error", err),
					zap.String("stack", string(debug.Stack())),
				)
				rm.recorder.Record("runtime", "goroutine_panic", audit.SeverityAlert, map[string]any{
					"goroutine": name,
					"panic":     fmt.Sprint(err),
				})
			}
		}()
		fn()
	}()
}

func defaultPanicHandler(w http.ResponseWriter, _ *http.Request, _ any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": false,
		"error":   "internal server error",
		"time":    time.Now().UTC(),
	})
}
