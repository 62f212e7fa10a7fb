package broadcast

import (
	"encoding/json"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/pkg/types"
)

// Format selects the wire encoding a subscriber receives.
type Format int

const (
	FormatJSON Format = iota
	FormatProtobuf
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	case FormatProtobuf:
		return "protobuf"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat maps a query value to a Format. Empty selects JSON.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "json":
		return FormatJSON, nil
	case "protobuf", "proto", "pb":
		return FormatProtobuf, nil
	}
	return FormatJSON, fmt.Errorf("unknown format %q", s)
}

// Event holds one detection batch pre-serialized in every format, so a
// publish encodes once regardless of the number of subscribers.
type Event struct {
	Batch types.DetectionBatch

	jsonData     []byte
	protobufData []byte
}

type jsonEvent struct {
	StreamID   string            `json:"stream_id"`
	FrameID    string            `json:"frame_id"`
	Timestamp  float64           `json:"timestamp"`
	Detections []types.Detection `json:"detections"`
}

// NewEvent serializes batch to JSON and to a protobuf Struct of the same shape.
func NewEvent(batch types.DetectionBatch) (*Event, error) {
	if batch.Detections == nil {
		batch.Detections = []types.Detection{}
	}
	ts := unixSeconds(batch.Timestamp)

	jsonData, err := json.Marshal(jsonEvent{
		StreamID:   batch.StreamID,
		FrameID:    batch.FrameID,
		Timestamp:  ts,
		Detections: batch.Detections,
	})
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	dets := make([]any, len(batch.Detections))
	for i, d := range batch.Detections {
		dets[i] = map[string]any{
			"x1":         d.X1,
			"y1":         d.Y1,
			"x2":         d.X2,
			"y2":         d.Y2,
			"class":      d.Class,
			"confidence": d.Confidence,
		}
	}
	st, err := structpb.NewStruct(map[string]any{
		"stream_id":  batch.StreamID,
		"frame_id":   batch.FrameID,
		"timestamp":  ts,
		"detections": dets,
	})
	if err != nil {
		return nil, fmt.Errorf("protobuf struct: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &Event{Batch: batch, jsonData: jsonData, protobufData: pbData}, nil
}

// Payload returns the pre-serialized bytes for f.
func (e *Event) Payload(f Format) []byte {
	if f == FormatProtobuf {
		return e.protobufData
	}
	return e.jsonData
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / float64(time.Second)
}
