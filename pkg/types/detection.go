package types

import "time"

// Detection is one object found in a frame. Coordinates are absolute pixels.
type Detection struct {
	X1         int     `json:"x1"`
	Y1         int     `json:"y1"`
	X2         int     `json:"x2"`
	Y2         int     `json:"y2"`
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// Valid reports whether the box is well formed and the confidence is in (0,1].
func (d Detection) Valid() bool {
	return d.X1 < d.X2 && d.Y1 < d.Y2 && d.Confidence > 0 && d.Confidence <= 1
}

// DetectionBatch is the payload pushed to viewers for one processed frame.
type DetectionBatch struct {
	StreamID   string      `json:"stream_id"`
	FrameID    string      `json:"frame_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Detections []Detection `json:"detections"`
}
