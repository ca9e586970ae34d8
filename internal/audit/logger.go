package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rover-control/relay/internal/config"
	"github.com/rover-control/relay/internal/log"
)

// Outcomes.
const (
	OutcomeSuccess = "SUCCESS"
	OutcomeFailure = "FAILURE"
)

// AuditEntry represents a single audit log entry.
type AuditEntry struct {
	Timestamp time.Time      `json:"ts"`
	RequestID string         `json:"requestId,omitempty"`
	Device    string         `json:"device"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Outcome   string         `json:"outcome"`
	Code      string         `json:"code"`
	LatencyMs float64        `json:"latencyMs"`
}

// Logger implements the audit logging functionality.
type Logger struct {
	mu       sync.Mutex
	filePath string
	out      *lumberjack.Logger
}

// NewLogger creates an audit logger writing to cfg.Path with size-based rotation.
func NewLogger(cfg *config.AuditConfig) (*Logger, error) {
	// Ensure log directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	return &Logger{
		filePath: cfg.Path,
		out: &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
		},
	}, nil
}

// LogAction logs an audit record for a control action against device.
func (l *Logger) LogAction(ctx context.Context, action, device, result string, latency time.Duration) {
	outcome := OutcomeSuccess
	if result != OutcomeSuccess {
		outcome = OutcomeFailure
	}

	l.writeEntry(AuditEntry{
		Timestamp: time.Now().UTC(),
		RequestID: RequestID(ctx),
		Device:    device,
		Action:    action,
		Params:    paramsFrom(ctx),
		Outcome:   outcome,
		Code:      result,
		LatencyMs: float64(latency.Microseconds()) / 1000,
	})
}

// writeEntry writes an audit entry to the log file.
func (l *Logger) writeEntry(entry AuditEntry) {
	jsonData, err := json.Marshal(entry)
	if err != nil {
		log.Std().Error(err, "failed to marshal audit entry", "action", entry.Action)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.out.Write(append(jsonData, '\n')); err != nil {
		log.Std().Error(err, "failed to write audit entry", "path", l.filePath)
	}
}

// Close closes the audit log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Close()
}

// GetFilePath returns the path to the audit log file.
func (l *Logger) GetFilePath() string {
	return l.filePath
}

// Rotate starts a new audit log file, keeping the old one as a backup.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.out.Rotate()
}
