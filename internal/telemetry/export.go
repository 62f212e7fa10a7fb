package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/logger"
)

var (
	// ErrExport wraps every failure to write an export document.
	ErrExport = errors.New("telemetry export failed")
	// ErrResourceExhausted is additionally wrapped when the host ran out of
	// disk space, quota or memory while exporting.
	ErrResourceExhausted = errors.New("resource exhausted")
)

type ExportMetadata struct {
	SessionID       string    `json:"session_id"`
	ExportTime      time.Time `json:"export_time"`
	TotalRuntime    float64   `json:"total_runtime"` // seconds
	TotalFrames     int       `json:"total_frames"`
	TotalDetections int       `json:"total_detections"`
}

// ExportDocument is the persisted layout of a session.
type ExportDocument struct {
	Metadata       ExportMetadata `json:"metadata"`
	CurrentMetrics Snapshot       `json:"current_metrics"`
	Statistics     Statistics     `json:"statistics"`
	RawHistory     History        `json:"raw_history"`
}

// Document assembles the export document from copies of the current state.
func (s *Session) Document() ExportDocument {
	snap := s.Snapshot()
	return ExportDocument{
		Metadata: ExportMetadata{
			SessionID:       snap.SessionID,
			ExportTime:      snap.Timestamp,
			TotalRuntime:    snap.UptimeSeconds,
			TotalFrames:     snap.DetectionQuality.TotalFramesProcessed,
			TotalDetections: snap.DetectionQuality.TotalDetections,
		},
		CurrentMetrics: snap,
		Statistics:     s.Statistics(),
		RawHistory:     s.History(),
	}
}

// DefaultExportPath returns the file Export writes when no path is given.
func (s *Session) DefaultExportPath() string {
	return filepath.Join(s.exportDir, fmt.Sprintf("metrics_session_%s.json", s.ID()))
}

// Export writes the session document as JSON to path, or to
// DefaultExportPath when path is empty, and returns the path written. The
// file is replaced atomically. No session lock is held during file I/O.
func (s *Session) Export(path string) (string, error) {
	if path == "" {
		path = s.DefaultExportPath()
	}

	data, err := json.MarshalIndent(s.Document(), "", "  ")
	if err != nil {
		return "", exportError(err)
	}

	if err := writeFileAtomic(path, data); err != nil {
		return "", exportError(err)
	}

	logger.Info("Telemetry", "Metrics exported to %s", path)
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func exportError(err error) error {
	if isExhaustion(err) {
		return fmt.Errorf("%w: %w: %w", ErrExport, ErrResourceExhausted, err)
	}
	return fmt.Errorf("%w: %w", ErrExport, err)
}

func isExhaustion(err error) bool {
	return errors.Is(err, syscall.ENOSPC) ||
		errors.Is(err, syscall.EDQUOT) ||
		errors.Is(err, syscall.ENOMEM)
}
