// Command sysinfo prints the host description the detection server logs at
// startup, together with one resource reading, as TOML or JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/hostinfo"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/telemetry"
)

type report struct {
	Host      hostinfo.Info       `json:"host" toml:"host"`
	Resources telemetry.Resources `json:"resources" toml:"resources"`
}

func main() {
	asJSON := flag.Bool("json", false, "Print JSON instead of TOML")
	timeout := flag.Duration("timeout", 5*time.Second, "Collection timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	info, err := hostinfo.Describe(ctx)
	if err != nil {
		log.Fatalf("Failed to describe host: %v", err)
	}
	out := report{Host: info}

	sampler, err := hostinfo.NewSampler()
	if err != nil {
		log.Fatalf("Failed to open process: %v", err)
	}
	// Process CPU is measured against the previous call, so prime it once.
	_, _ = sampler.Sample(ctx)
	time.Sleep(500 * time.Millisecond)
	if out.Resources, err = sampler.Sample(ctx); err != nil {
		log.Printf("Resource sample incomplete: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			log.Fatalf("Failed to encode: %v", err)
		}
		return
	}
	if err := toml.NewEncoder(os.Stdout).Encode(out); err != nil {
		log.Fatalf("Failed to encode: %v", err)
	}
}
