package telemetry

import (
	"maps"
	"time"
)

// Category names a windowed metric series.
type Category string

const (
	CategoryLatency       Category = "latency"
	CategoryComputational Category = "computational"
	CategoryNetwork       Category = "network"
	CategoryDetection     Category = "detection"
)

// Categories lists the windowed categories in export order.
var Categories = []Category{CategoryLatency, CategoryComputational, CategoryNetwork, CategoryDetection}

// LatencyMetrics holds durations in seconds.
type LatencyMetrics struct {
	NetworkRTT           float64 `json:"network_rtt"`
	GlassToGlass         float64 `json:"glass_to_glass"`
	InferenceTime        float64 `json:"inference_time"`
	FrameProcessingTime  float64 `json:"frame_processing_time"`
	WebRTCConnectionTime float64 `json:"webrtc_connection_time"`
}

type ComputationalMetrics struct {
	InferenceFPS      float64 `json:"inference_fps"`
	ModelLoadTime     float64 `json:"model_load_time"`
	CPUUsage          float64 `json:"cpu_usage"`    // percent
	MemoryUsage       float64 `json:"memory_usage"` // MB resident
	GPUUsage          float64 `json:"gpu_usage"`
	DeviceTemperature float64 `json:"device_temperature"`
}

type NetworkMetrics struct {
	VideoBandwidth        float64 `json:"video_bandwidth"`     // bytes/s received
	DetectionBandwidth    float64 `json:"detection_bandwidth"` // bytes/s sent to viewers
	PacketLossRate        float64 `json:"packet_loss_rate"`    // percent
	ConnectionSuccessRate float64 `json:"connection_success_rate"`
	TotalBytesSent        int64   `json:"total_bytes_sent"`
	TotalBytesReceived    int64   `json:"total_bytes_received"`
}

type DetectionQualityMetrics struct {
	TotalDetections      int            `json:"total_detections"`
	AvgConfidence        float64        `json:"avg_confidence"`
	DetectionCategories  map[string]int `json:"detection_categories"`
	FramesWithDetections int            `json:"frames_with_detections"`
	TotalFramesProcessed int            `json:"total_frames_processed"`
}

// clone returns a copy whose category map is not shared with the receiver.
func (m DetectionQualityMetrics) clone() DetectionQualityMetrics {
	m.DetectionCategories = maps.Clone(m.DetectionCategories)
	if m.DetectionCategories == nil {
		m.DetectionCategories = map[string]int{}
	}
	return m
}

type DeviceImpactMetrics struct {
	BatteryUsage  float64 `json:"battery_usage"`
	ThermalImpact float64 `json:"thermal_impact"`
	BackgroundCPU float64 `json:"background_cpu"`
	PeakMemory    float64 `json:"peak_memory"`
	AverageMemory float64 `json:"average_memory"`
}

type ScalabilityMetrics struct {
	ConcurrentUsers   int     `json:"concurrent_users"`
	ServerCPUUsage    float64 `json:"server_cpu_usage"`
	ServerMemoryUsage float64 `json:"server_memory_usage"`
	Throughput        float64 `json:"throughput"` // frames/s over the session
}

type PrivacyMetrics struct {
	DataLocalProcessing float64  `json:"data_local_processing"`
	DataTransmittedSize int64    `json:"data_transmitted_size"`
	EncryptionStatus    bool     `json:"encryption_status"`
	IPExposureCount     int      `json:"ip_exposure_count"`
	PrivacyEvents       []string `json:"privacy_events"`
}

// Snapshot is a point-in-time read of every current-value category.
type Snapshot struct {
	SessionID        string                  `json:"session_id"`
	Timestamp        time.Time               `json:"timestamp"`
	UptimeSeconds    float64                 `json:"uptime_seconds"`
	Latency          LatencyMetrics          `json:"latency"`
	Computational    ComputationalMetrics    `json:"computational"`
	Network          NetworkMetrics          `json:"network"`
	DetectionQuality DetectionQualityMetrics `json:"detection_quality"`
	DeviceImpact     DeviceImpactMetrics     `json:"device_impact"`
	Scalability      ScalabilityMetrics      `json:"scalability"`
	Privacy          PrivacyMetrics          `json:"privacy"`
}

type LatencyStatistics struct {
	Inference       *Summary `json:"inference_time,omitempty"`
	FrameProcessing *Summary `json:"frame_processing_time,omitempty"`
}

type DetectionStatistics struct {
	DetectionRate         float64        `json:"detection_rate"` // percent
	AvgDetectionsPerFrame float64        `json:"avg_detections_per_frame"`
	MostDetectedClasses   map[string]int `json:"most_detected_classes"`
}

type ConnectionStatistics struct {
	Attempts      uint64   `json:"attempts"`
	Successes     uint64   `json:"successes"`
	SuccessRate   float64  `json:"success_rate"`
	Pending       int      `json:"pending"`
	Concurrency   int      `json:"concurrency"`
	EstablishTime *Summary `json:"establish_time,omitempty"`
}

// Statistics is the derived view over the rolling windows and running totals.
// Sections whose window holds no usable samples are omitted.
type Statistics struct {
	Latency     *LatencyStatistics   `json:"latency,omitempty"`
	Performance *Summary             `json:"performance,omitempty"`
	Detection   DetectionStatistics  `json:"detection"`
	Connection  ConnectionStatistics `json:"connection"`
}

// History is a copy of every rolling window, oldest entry first.
type History struct {
	Latency       []LatencyMetrics          `json:"latency"`
	Computational []ComputationalMetrics    `json:"computational"`
	Network       []NetworkMetrics          `json:"network"`
	Detection     []DetectionQualityMetrics `json:"detection"`
}
