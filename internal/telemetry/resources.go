package telemetry

import (
	"context"
	"time"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/logger"
)

// Resources is one best-effort reading of host and process usage. Readings
// that are unavailable are left at zero.
type Resources struct {
	CPUPercent          float64 `json:"cpu_percent" toml:"cpu_percent"` // process CPU
	SystemCPUPercent    float64 `json:"system_cpu_percent" toml:"system_cpu_percent"`
	MemoryMB            float64 `json:"memory_mb" toml:"memory_mb"` // process RSS
	SystemMemoryPercent float64 `json:"system_memory_percent" toml:"system_memory_percent"`
	GPUPercent          float64 `json:"gpu_percent" toml:"gpu_percent"`
	TemperatureC        float64 `json:"temperature_c" toml:"temperature_c"`
	BatteryPercent      float64 `json:"battery_percent" toml:"battery_percent"`
}

// ResourceSource reads host resources. Implementations may be slow; the
// session only calls them from PollResources, never from the frame path.
type ResourceSource interface {
	Sample(ctx context.Context) (Resources, error)
}

// SampleResources takes one reading from the configured source and applies
// it. A failed reading leaves the previous values in place.
func (s *Session) SampleResources(ctx context.Context) error {
	if s.resources == nil {
		return nil
	}
	r, err := s.resources.Sample(ctx)
	if err != nil {
		return err
	}
	s.ObserveResources(r)
	return nil
}

// PollResources samples resources every interval until ctx is done.
func (s *Session) PollResources(ctx context.Context, interval time.Duration) error {
	if s.resources == nil {
		<-ctx.Done()
		return nil
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := s.SampleResources(ctx); err != nil && ctx.Err() == nil {
			s.resourceLog.Do(func() {
				logger.Warn("Telemetry", "Resource sampling failed: %v", err)
			})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// ObserveResources applies a reading to the computational, device-impact and
// scalability categories. The first reading becomes the idle baseline.
func (s *Session) ObserveResources(r Resources) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.computational.CPUUsage = r.CPUPercent
	s.computational.MemoryUsage = r.MemoryMB
	s.computational.GPUUsage = r.GPUPercent
	s.computational.DeviceTemperature = r.TemperatureC

	s.scalability.ServerCPUUsage = r.SystemCPUPercent
	s.scalability.ServerMemoryUsage = r.SystemMemoryPercent

	if !s.baseline.set {
		s.baseline.set = true
		s.baseline.temperature = r.TemperatureC
		s.baseline.battery = r.BatteryPercent
		s.device.BackgroundCPU = r.CPUPercent
	}
	if r.TemperatureC > 0 && s.baseline.temperature > 0 {
		s.device.ThermalImpact = r.TemperatureC - s.baseline.temperature
	}
	if r.BatteryPercent > 0 && s.baseline.battery > 0 {
		s.device.BatteryUsage = max(0, s.baseline.battery-r.BatteryPercent)
	}

	if r.MemoryMB > 0 {
		s.baseline.memSamples++
		s.baseline.memSum += r.MemoryMB
		s.device.AverageMemory = s.baseline.memSum / float64(s.baseline.memSamples)
		s.device.PeakMemory = max(s.device.PeakMemory, r.MemoryMB)
	}
}
