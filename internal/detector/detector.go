// Package detector defines the object-detection collaborator used by the
// frame pipeline and provides an HTTP client for an inference sidecar.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/pkg/types"
)

// DefaultMinConfidence is the threshold below which detections are discarded.
const DefaultMinConfidence = 0.5

var ErrUnavailable = errors.New("detector unavailable")

// Detector finds objects in one encoded frame.
type Detector interface {
	Detect(ctx context.Context, frame types.EncodedFrame) ([]types.Detection, error)
}

// Warmer is implemented by detectors that need a load step before the first
// frame. The pipeline reports its duration as the model load time.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// Nop never detects anything. It keeps the pipeline and its telemetry running
// when no inference backend is configured.
type Nop struct{}

func (Nop) Detect(context.Context, types.EncodedFrame) ([]types.Detection, error) {
	return nil, nil
}

// FilterByConfidence keeps well-formed detections with confidence >= threshold.
func FilterByConfidence(dets []types.Detection, threshold float64) []types.Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if d.Valid() && d.Confidence >= threshold {
			out = append(out, d)
		}
	}
	return out
}

// HTTPDetector posts encoded frames to an inference sidecar.
//
// Request: POST <base>/detect with the raw frame as the body, the codec in
// Content-Type and the stream id in X-Stream-ID.
// Response: {"detections":[{"x1":..,"y1":..,"x2":..,"y2":..,"class":..,"confidence":..}]}
type HTTPDetector struct {
	baseURL       string
	client        *http.Client
	minConfidence float64
}

type HTTPOptions struct {
	BaseURL       string
	Timeout       time.Duration
	MinConfidence float64
}

func NewHTTPDetector(opts HTTPOptions) (*HTTPDetector, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("detector base URL is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = DefaultMinConfidence
	}
	return &HTTPDetector{
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		client:        &http.Client{Timeout: opts.Timeout},
		minConfidence: opts.MinConfidence,
	}, nil
}

type detectResponse struct {
	Detections []types.Detection `json:"detections"`
	Error      string            `json:"error,omitempty"`
}

func (d *HTTPDetector) Detect(ctx context.Context, frame types.EncodedFrame) ([]types.Detection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+"/detect", bytes.NewReader(frame.Data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	contentType := frame.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Stream-ID", frame.StreamID)

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var payload detectResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if payload.Error == "" {
			payload.Error = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("detector returned %d: %s", resp.StatusCode, payload.Error)
	}

	return FilterByConfidence(payload.Detections, d.minConfidence), nil
}

// Warmup waits for the sidecar health endpoint to report ready.
func (d *HTTPDetector) Warmup(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := d.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		case <-ticker.C:
		}
	}
}
