package telemetry

import (
	"errors"
	"fmt"
)

var ErrUnknownCategory = errors.New("unknown metric category")

// ParseCategory maps a category name to a Category.
func ParseCategory(name string) (Category, error) {
	for _, c := range Categories {
		if string(c) == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, name)
}

type field[T any] struct {
	name  string
	value func(T) float64
}

var latencyFields = []field[LatencyMetrics]{
	{"network_rtt", func(m LatencyMetrics) float64 { return m.NetworkRTT }},
	{"glass_to_glass", func(m LatencyMetrics) float64 { return m.GlassToGlass }},
	{"inference_time", func(m LatencyMetrics) float64 { return m.InferenceTime }},
	{"frame_processing_time", func(m LatencyMetrics) float64 { return m.FrameProcessingTime }},
	{"webrtc_connection_time", func(m LatencyMetrics) float64 { return m.WebRTCConnectionTime }},
}

var computationalFields = []field[ComputationalMetrics]{
	{"inference_fps", func(m ComputationalMetrics) float64 { return m.InferenceFPS }},
	{"model_load_time", func(m ComputationalMetrics) float64 { return m.ModelLoadTime }},
	{"cpu_usage", func(m ComputationalMetrics) float64 { return m.CPUUsage }},
	{"memory_usage", func(m ComputationalMetrics) float64 { return m.MemoryUsage }},
	{"gpu_usage", func(m ComputationalMetrics) float64 { return m.GPUUsage }},
	{"device_temperature", func(m ComputationalMetrics) float64 { return m.DeviceTemperature }},
}

var networkFields = []field[NetworkMetrics]{
	{"video_bandwidth", func(m NetworkMetrics) float64 { return m.VideoBandwidth }},
	{"detection_bandwidth", func(m NetworkMetrics) float64 { return m.DetectionBandwidth }},
	{"packet_loss_rate", func(m NetworkMetrics) float64 { return m.PacketLossRate }},
	{"connection_success_rate", func(m NetworkMetrics) float64 { return m.ConnectionSuccessRate }},
	{"total_bytes_sent", func(m NetworkMetrics) float64 { return float64(m.TotalBytesSent) }},
	{"total_bytes_received", func(m NetworkMetrics) float64 { return float64(m.TotalBytesReceived) }},
}

var detectionFields = []field[DetectionQualityMetrics]{
	{"total_detections", func(m DetectionQualityMetrics) float64 { return float64(m.TotalDetections) }},
	{"avg_confidence", func(m DetectionQualityMetrics) float64 { return m.AvgConfidence }},
	{"frames_with_detections", func(m DetectionQualityMetrics) float64 { return float64(m.FramesWithDetections) }},
	{"total_frames_processed", func(m DetectionQualityMetrics) float64 { return float64(m.TotalFramesProcessed) }},
}

func summarizeFields[T any](items []T, fields []field[T]) map[string]Summary {
	out := make(map[string]Summary, len(fields))
	if len(items) == 0 {
		return out
	}
	values := make([]float64, len(items))
	for _, f := range fields {
		for i, item := range items {
			values[i] = f.value(item)
		}
		if sum, ok := Summarize(values); ok {
			out[f.name] = sum
		}
	}
	return out
}
