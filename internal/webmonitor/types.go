package webmonitor

import (
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/broadcast"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/webrtc"
)

// HealthResponse is the payload for /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	SessionID     string  `json:"session_id"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Peers         int     `json:"peers"`
	Subscribers   int     `json:"subscribers"`
	PendingFrames int     `json:"pending_frames"`
	HasPreview    bool    `json:"has_preview"`

	PreviewAgeSeconds float64 `json:"preview_age_seconds,omitempty"`
}

// PeersResponse is the payload for /api/peers.
type PeersResponse struct {
	Peers       []webrtc.PeerStats          `json:"peers"`
	Subscribers []broadcast.SubscriberStats `json:"subscribers"`
}

// ExportResponse is returned by POST /api/export.
type ExportResponse struct {
	Status string `json:"status"`
	Path   string `json:"path"`
}

type errorResponse struct {
	Error string `json:"error"`
}
