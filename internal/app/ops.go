package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/medscribe/internal/capture"
	"github.com/MrWong99/medscribe/internal/health"
	"github.com/MrWong99/medscribe/internal/observe"
	"github.com/MrWong99/medscribe/internal/session"
)

const opsShutdownTimeout = 5 * time.Second

// Status is a point-in-time view of the client for the /status endpoint.
type Status struct {
	Sockets      map[string]string `json:"sockets"`
	Recording    bool              `json:"recording"`
	Session      session.Stats     `json:"session"`
	Capture      capture.Stats     `json:"capture"`
	Messages     int               `json:"history_messages"`
	APIAvailable bool              `json:"api_available"`
}

// Status reports socket, session and capture state.
func (a *App) Status() Status {
	sockets := map[string]string{
		SocketRecognize:   a.recognition.Status().String(),
		SocketChatHistory: a.chat.Status().String(),
	}
	if a.doctor != nil {
		sockets[SocketDoctor] = a.doctor.Status().String()
	}
	return Status{
		Sockets:      sockets,
		Recording:    a.Recording(),
		Session:      a.sess.Stats(),
		Capture:      a.pipeline.Stats(),
		Messages:     a.history.Store().Len(),
		APIAvailable: a.api.Available(),
	}
}

// OpsHandler serves /healthz, /readyz, /metrics and /status.
func (a *App) OpsHandler() http.Handler {
	checks := []health.Checker{
		health.Condition(SocketRecognize, "recognition socket not connected", a.recognition.Connected),
		health.Condition(SocketChatHistory, "chat history socket not connected", a.chat.Connected),
		health.Condition("backend_api", "backend circuit breaker is open", a.api.Available),
	}
	if a.doctor != nil {
		checks = append(checks, health.Condition(SocketDoctor, "doctor socket not connected", a.doctor.Connected))
	}

	mux := http.NewServeMux()
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if err := json.NewEncoder(w).Encode(a.Status()); err != nil {
			slog.Debug("app: encode status", "err", err)
		}
	})
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) serveOps(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.OpsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	slog.Info("app: ops listener started", "addr", a.cfg.Server.ListenAddr)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: ops listener: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), opsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
