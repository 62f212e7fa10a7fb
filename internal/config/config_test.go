package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.WebRTC.MaxPeers != 4 || cfg.Telemetry.WindowSize != 100 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Detector.MinConfidence != 0.5 {
		t.Fatalf("min confidence = %v", cfg.Detector.MinConfidence)
	}
	if Duration(cfg.Pipeline.PLIInterval) != 3*time.Second {
		t.Fatalf("pli interval = %q", cfg.Pipeline.PLIInterval)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" || cfg.Logging.Level != LogLevelInfo {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadTOMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.toml")
	content := `
[server]
address = "127.0.0.1:9000"

[webrtc]
stun_servers = ["stun:stun.example.org:3478"]
max_peers = 2

[detector]
url = "http://localhost:5000"
min_confidence = 0.7

[mqtt]
broker = "localhost:1883"
qos = 1
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != "127.0.0.1:9000" {
		t.Fatalf("address = %q", cfg.Server.Address)
	}
	if len(cfg.WebRTC.STUNServers) != 1 || cfg.WebRTC.MaxPeers != 2 {
		t.Fatalf("webrtc = %+v", cfg.WebRTC)
	}
	if cfg.Detector.URL != "http://localhost:5000" || cfg.Detector.MinConfidence != 0.7 {
		t.Fatalf("detector = %+v", cfg.Detector)
	}
	if cfg.MQTT.Broker != "localhost:1883" || cfg.MQTT.QoS != 1 || cfg.MQTT.Topic != "detection/telemetry" {
		t.Fatalf("mqtt = %+v", cfg.MQTT)
	}
	// untouched sections keep their defaults
	if cfg.Telemetry.WindowSize != 100 || cfg.Broadcast.QueueSize != 8 {
		t.Fatalf("defaults lost: %+v %+v", cfg.Telemetry, cfg.Broadcast)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DETECT_WEBRTC_MAX_PEERS", "7")
	t.Setenv("DETECT_LOGGING_LEVEL", "debug")
	t.Setenv("DETECT_TELEMETRY_EXPORT_DIR", "/tmp/exports")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WebRTC.MaxPeers != 7 || cfg.Logging.Level != LogLevelDebug || cfg.Telemetry.ExportDir != "/tmp/exports" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"max peers":  "[webrtc]\nmax_peers = -1\n",
		"stun url":   "[webrtc]\nstun_servers = [\"http://nope\"]\n",
		"duration":   "[pipeline]\npli_interval = \"soon\"\n",
		"zero":       "[server]\nstatus_interval = \"0s\"\n",
		"log level":  "[logging]\nlevel = \"loud\"\n",
		"confidence": "[detector]\nmin_confidence = 1.5\n",
		"qos":        "[mqtt]\nqos = 3\n",
		"address":    "[server]\naddress = \"nohostport\"\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.toml")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Fatalf("expected validation error for %q", content)
			} else if !strings.Contains(err.Error(), "invalid config") {
				t.Fatalf("error = %v", err)
			}
		})
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for a missing explicit file")
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "detection-server.toml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	if err := WriteDefault(path); err == nil {
		t.Fatal("WriteDefault must not overwrite an existing file")
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load written default: %v", err)
	}
	def := Default()
	if cfg.Server.Address != def.Server.Address ||
		cfg.WebRTC.MaxPeers != def.WebRTC.MaxPeers ||
		cfg.Detector.Timeout != def.Detector.Timeout ||
		cfg.Telemetry.ResourceInterval != def.Telemetry.ResourceInterval ||
		cfg.MQTT.Interval != def.MQTT.Interval ||
		cfg.Logging.Color != def.Logging.Color {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", cfg, def)
	}
}

func TestDuration(t *testing.T) {
	if Duration("250ms") != 250*time.Millisecond {
		t.Fatal("Duration(250ms)")
	}
	if Duration("bogus") != 0 {
		t.Fatal("invalid duration must yield 0")
	}
}
