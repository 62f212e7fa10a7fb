package webmonitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/broadcast"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/logger"
)

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// streamSnapshots sends the output of snapshot as SSE every interval until
// the client goes away.
func streamSnapshots(w http.ResponseWriter, r *http.Request, interval time.Duration, snapshot func() any) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, snapshot()); err != nil {
			logger.Debug("SSE", "Client disconnected during snapshot write: %v", err)
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

// wsSender writes hub payloads to one websocket.
type wsSender struct {
	conn    *websocket.Conn
	msgType websocket.MessageType
}

func (s wsSender) Send(ctx context.Context, payload []byte) error {
	return s.conn.Write(ctx, s.msgType, payload)
}

// serveDetectionSocket registers the websocket with the hub and holds it open
// until the client closes it, a keepalive ping fails, or the hub drops the
// subscriber after a failed write.
func serveDetectionSocket(w http.ResponseWriter, r *http.Request, hub *broadcast.Hub, cfg Config) {
	format, err := broadcast.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeJSONWithStatus(w, errorResponse{Error: err.Error()}, http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: originHosts(cfg.AllowedOrigins)})
	if err != nil {
		logger.Debug("WebSocket", "Accept failed: %v", err)
		return
	}
	defer conn.CloseNow()

	msgType := websocket.MessageText
	if format == broadcast.FormatProtobuf {
		msgType = websocket.MessageBinary
	}

	// Viewers never send; CloseRead handles control frames and reports the close.
	ctx := conn.CloseRead(r.Context())

	id := uuid.NewString()
	if !hub.Register(id, wsSender{conn: conn, msgType: msgType}, format) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer hub.Unregister(id)

	ticker := time.NewTicker(cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !hub.Has(id) {
			conn.Close(websocket.StatusGoingAway, "subscriber removed")
			return
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.KeepaliveInterval)
		err := conn.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Debug("WebSocket", "Viewer %s ping failed: %v", id, err)
			return
		}
	}
}

// originHosts converts configured origins to the host patterns the websocket
// handshake matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(strings.TrimPrefix(o, "https://"), "http://")
		hosts = append(hosts, strings.TrimRight(o, "/"))
	}
	return hosts
}

// placeholderJPEG renders colour bars for /api/preview.jpg before any
// keyframe has arrived.
func placeholderJPEG() ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, 320, 240))

	// White, Yellow, Cyan, Green, Magenta, Red, Blue, Black
	colors := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}

	barWidth := img.Bounds().Dx() / len(colors)
	for y := range img.Bounds().Dy() {
		for x := range img.Bounds().Dx() {
			img.Set(x, y, colors[min(x/barWidth, len(colors)-1)])
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
