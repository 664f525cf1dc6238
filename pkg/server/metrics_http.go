package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
//
// Bind address is :12346 by default, configurable via Config.MetricsAddr.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics.json", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.metrics.JSON()))
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Helper for gauge/counter lines.
	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("parley_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("parley_connections_active", "Current open client connections.", "gauge",
		m.ActiveConnections.Load())
	write("parley_connections_total", "Lifetime TCP connections accepted.", "counter",
		m.TotalConnections.Load())
	write("parley_connections_rejected_total", "Connections turned away at the cap.", "counter",
		m.RejectedConnections.Load())
	write("parley_sessions_stalled_total", "Sessions closed for not draining their outbox.", "counter",
		m.StalledSessions.Load())
	write("parley_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("parley_users_online", "Logged-in users.", "gauge",
		int64(s.registry.Count()))

	write("parley_auth_success_total", "Successful logins.", "counter",
		m.SuccessfulAuths.Load())
	write("parley_auth_failed_total", "Failed login attempts.", "counter",
		m.FailedAuths.Load())

	write("parley_chat_messages_total", "Total chat messages relayed.", "counter",
		m.ChatMessagesSent.Load())

	write("parley_uploads_total", "Uploads stored.", "counter",
		m.UploadsCompleted.Load())
	write("parley_uploads_failed_total", "Uploads rejected or aborted.", "counter",
		m.UploadsFailed.Load())
	write("parley_upload_bytes_total", "Raw upload bytes received.", "counter",
		m.UploadBytes.Load())
	write("parley_downloads_total", "Downloads fully sent.", "counter",
		m.DownloadsCompleted.Load())
	write("parley_downloads_failed_total", "Downloads refused or aborted.", "counter",
		m.DownloadsFailed.Load())
	write("parley_download_bytes_total", "Raw download bytes sent.", "counter",
		m.DownloadBytes.Load())
}
