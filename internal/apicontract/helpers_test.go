// Package apicontract checks a running detection server from the outside.
// Every test skips unless the server answers at DETECTION_BASE_URL
// (default http://localhost:8080).
package apicontract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:8080"
	defaultRequestTimeout = 2 * time.Second
)

type contractClient struct {
	baseURL string
	client  *http.Client
}

func newContractClient(t *testing.T) *contractClient {
	t.Helper()
	baseURL := os.Getenv("DETECTION_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/health") {
		t.Skipf("detection server not reachable at %s (set DETECTION_BASE_URL to run)", baseURL)
	}

	return &contractClient{
		baseURL: baseURL,
		client:  client,
	}
}

func isReachable(client *http.Client, url string) bool {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *contractClient) do(t *testing.T, method, path, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, data
}

func (c *contractClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodGet, path, "", nil)
}

func (c *contractClient) post(t *testing.T, path, contentType string, body []byte) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, http.MethodPost, path, contentType, body)
}

func readSSEEvent(url string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 512)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func requireNumbers(t *testing.T, m map[string]any, prefix string, fields ...string) {
	t.Helper()
	for _, f := range fields {
		requireNumber(t, m[f], prefix+"."+f)
	}
}

func assertSnapshotPayload(t *testing.T, payload map[string]any) {
	t.Helper()
	requireString(t, payload["session_id"], "session_id")
	requireString(t, payload["timestamp"], "timestamp")
	requireNumber(t, payload["uptime_seconds"], "uptime_seconds")

	requireNumbers(t, requireMap(t, payload["latency"], "latency"), "latency",
		"network_rtt", "glass_to_glass", "inference_time", "frame_processing_time", "webrtc_connection_time")
	requireNumbers(t, requireMap(t, payload["computational"], "computational"), "computational",
		"inference_fps", "model_load_time", "cpu_usage", "memory_usage", "gpu_usage", "device_temperature")
	requireNumbers(t, requireMap(t, payload["network"], "network"), "network",
		"video_bandwidth", "detection_bandwidth", "packet_loss_rate", "connection_success_rate",
		"total_bytes_sent", "total_bytes_received")

	quality := requireMap(t, payload["detection_quality"], "detection_quality")
	requireNumbers(t, quality, "detection_quality",
		"total_detections", "avg_confidence", "frames_with_detections", "total_frames_processed")
	requireMap(t, quality["detection_categories"], "detection_quality.detection_categories")

	requireNumbers(t, requireMap(t, payload["device_impact"], "device_impact"), "device_impact",
		"battery_usage", "thermal_impact", "background_cpu", "peak_memory", "average_memory")
	requireNumbers(t, requireMap(t, payload["scalability"], "scalability"), "scalability",
		"concurrent_users", "server_cpu_usage", "server_memory_usage", "throughput")

	privacy := requireMap(t, payload["privacy"], "privacy")
	requireNumbers(t, privacy, "privacy", "data_local_processing", "data_transmitted_size", "ip_exposure_count")
	if _, ok := privacy["encryption_status"].(bool); !ok {
		t.Fatalf("expected privacy.encryption_status to be bool, got %T", privacy["encryption_status"])
	}
	requireSlice(t, privacy["privacy_events"], "privacy.privacy_events")
}

func assertSummary(t *testing.T, value any, field string) {
	t.Helper()
	requireNumbers(t, requireMap(t, value, field), field, "count", "mean", "median", "min", "max", "stdev")
}
