package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections    atomic.Int64 // lifetime TCP connections accepted
	ActiveConnections   atomic.Int64 // current open connections
	RejectedConnections atomic.Int64 // turned away at the connection cap
	StalledSessions     atomic.Int64 // closed because their outbox overflowed
	FailedAuths         atomic.Int64 // failed login attempts
	SuccessfulAuths     atomic.Int64 // successful logins
	TotalDisconnects    atomic.Int64 // total disconnects (clean + unclean)

	// Chat counters
	ChatMessagesSent atomic.Int64 // total chat messages relayed

	// File counters
	UploadsCompleted   atomic.Int64
	UploadsFailed      atomic.Int64
	UploadBytes        atomic.Int64 // raw upload bytes read from clients
	DownloadsCompleted atomic.Int64
	DownloadsFailed    atomic.Int64
	DownloadBytes      atomic.Int64 // raw download bytes written to clients
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections   int64 `json:"active_connections"`
	TotalConnections    int64 `json:"total_connections"`
	RejectedConnections int64 `json:"rejected_connections"`
	StalledSessions     int64 `json:"stalled_sessions"`
	SuccessfulAuths     int64 `json:"successful_auths"`
	FailedAuths         int64 `json:"failed_auths"`
	TotalDisconnects    int64 `json:"total_disconnects"`

	ChatMessagesSent int64 `json:"chat_messages_sent"`

	UploadsCompleted   int64 `json:"uploads_completed"`
	UploadsFailed      int64 `json:"uploads_failed"`
	UploadBytes        int64 `json:"upload_bytes"`
	DownloadsCompleted int64 `json:"downloads_completed"`
	DownloadsFailed    int64 `json:"downloads_failed"`
	DownloadBytes      int64 `json:"download_bytes"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalConnections:    m.TotalConnections.Load(),
		RejectedConnections: m.RejectedConnections.Load(),
		StalledSessions:     m.StalledSessions.Load(),
		SuccessfulAuths:     m.SuccessfulAuths.Load(),
		FailedAuths:         m.FailedAuths.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		ChatMessagesSent:    m.ChatMessagesSent.Load(),
		UploadsCompleted:    m.UploadsCompleted.Load(),
		UploadsFailed:       m.UploadsFailed.Load(),
		UploadBytes:         m.UploadBytes.Load(),
		DownloadsCompleted:  m.DownloadsCompleted.Load(),
		DownloadsFailed:     m.DownloadsFailed.Load(),
		DownloadBytes:       m.DownloadBytes.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"chat_msgs", s.ChatMessagesSent,
		"uploads", s.UploadsCompleted,
		"downloads", s.DownloadsCompleted,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
