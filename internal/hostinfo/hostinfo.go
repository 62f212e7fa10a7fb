// Package hostinfo reads host and process resource usage with gopsutil and
// feeds it to the telemetry session as a telemetry.ResourceSource.
package hostinfo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/telemetry"
)

const powerSupplyDir = "/sys/class/power_supply"

// Sampler reads resources of the current process and its host.
type Sampler struct {
	mu   sync.Mutex
	proc *process.Process

	powerSupplyDir string
}

var _ telemetry.ResourceSource = (*Sampler)(nil)

func NewSampler() (*Sampler, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("open own process: %w", err)
	}
	return &Sampler{proc: proc, powerSupplyDir: powerSupplyDir}, nil
}

// Sample takes one reading. Individual readings that fail are left at zero;
// an error is returned only when nothing could be read.
func (s *Sampler) Sample(ctx context.Context) (telemetry.Resources, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		r    telemetry.Resources
		errs []error
	)

	if pct, err := s.proc.PercentWithContext(ctx, 0); err == nil {
		r.CPUPercent = pct
	} else {
		errs = append(errs, fmt.Errorf("process cpu: %w", err))
	}
	if info, err := s.proc.MemoryInfoWithContext(ctx); err == nil {
		r.MemoryMB = float64(info.RSS) / (1024 * 1024)
	} else {
		errs = append(errs, fmt.Errorf("process memory: %w", err))
	}
	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		r.SystemCPUPercent = pcts[0]
	} else if err != nil {
		errs = append(errs, fmt.Errorf("system cpu: %w", err))
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		r.SystemMemoryPercent = vm.UsedPercent
	} else {
		errs = append(errs, fmt.Errorf("system memory: %w", err))
	}

	r.TemperatureC = hottestSensor(ctx)
	r.BatteryPercent = batteryPercent(s.powerSupplyDir)

	if len(errs) == 4 {
		return r, errors.Join(errs...)
	}
	return r, nil
}

// hottestSensor returns the highest reported temperature. Sensor reads often
// return partial results together with warnings, so only the values count.
func hottestSensor(ctx context.Context) float64 {
	temps, _ := host.SensorsTemperaturesWithContext(ctx)
	hottest := 0.0
	for _, t := range temps {
		if t.Temperature > hottest && t.Temperature < 150 {
			hottest = t.Temperature
		}
	}
	return hottest
}

// batteryPercent reads the first battery capacity under the sysfs power
// supply class. Hosts without a battery report 0.
func batteryPercent(dir string) float64 {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		kind, err := os.ReadFile(filepath.Join(dir, e.Name(), "type"))
		if err != nil || strings.TrimSpace(string(kind)) != "Battery" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name(), "capacity"))
		if err != nil {
			continue
		}
		pct, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
		if err != nil {
			continue
		}
		return pct
	}
	return 0
}

// Info describes the host, for the sysinfo command and startup logs.
type Info struct {
	Hostname        string  `json:"hostname" toml:"hostname"`
	OS              string  `json:"os" toml:"os"`
	Platform        string  `json:"platform" toml:"platform"`
	PlatformVersion string  `json:"platform_version" toml:"platform_version"`
	KernelVersion   string  `json:"kernel_version" toml:"kernel_version"`
	Arch            string  `json:"arch" toml:"arch"`
	CPUModel        string  `json:"cpu_model" toml:"cpu_model"`
	PhysicalCores   int     `json:"physical_cores" toml:"physical_cores"`
	LogicalCPUs     int     `json:"logical_cpus" toml:"logical_cpus"`
	MemoryTotalMB   float64 `json:"memory_total_mb" toml:"memory_total_mb"`
	Uptime          string  `json:"uptime" toml:"uptime"`
	HasBattery      bool    `json:"has_battery" toml:"has_battery"`
}

// Describe collects static host information.
func Describe(ctx context.Context) (Info, error) {
	var info Info

	h, err := host.InfoWithContext(ctx)
	if err != nil {
		return info, fmt.Errorf("host info: %w", err)
	}
	info.Hostname = h.Hostname
	info.OS = h.OS
	info.Platform = h.Platform
	info.PlatformVersion = h.PlatformVersion
	info.KernelVersion = h.KernelVersion
	info.Arch = h.KernelArch
	info.Uptime = (time.Duration(h.Uptime) * time.Second).String()

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUModel = cpus[0].ModelName
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil {
		info.PhysicalCores = n
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.LogicalCPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotalMB = float64(vm.Total) / (1024 * 1024)
	}
	info.HasBattery = batteryPercent(powerSupplyDir) > 0

	return info, nil
}
