// Package pipeline turns a remote video track into detection batches. Each
// track gets a reader that assembles frames from RTP and a worker that runs
// detection on the newest frame, recording every step in the telemetry
// session.
package pipeline

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
	"golang.org/x/time/rate"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/broadcast"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/detector"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/h264"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/logger"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/metrics"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/preview"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/internal/telemetry"
	"github.com/dj-oyu/webrtc-object-detection/detection-server/pkg/types"
)

const (
	mimeVP8  = "video/VP8"
	mimeH264 = "video/H264"

	videoClockRate = 90000

	// frameQueue holds frames waiting for the worker. Older frames are
	// dropped rather than queued so detection stays close to live.
	frameQueue = 2
)

// PacketSource yields RTP packets of one remote track.
type PacketSource interface {
	ReadRTP() (*rtp.Packet, error)
}

// Publisher delivers detection batches to viewers.
type Publisher interface {
	Publish(ev *broadcast.Event) int
}

type Config struct {
	Session  *telemetry.Session
	Hub      Publisher
	Detector detector.Detector
	Preview  *preview.Buffer  // optional
	Metrics  *metrics.Metrics // optional

	MinConfidence float64
	DetectTimeout time.Duration
	PLIInterval   time.Duration
	MaxLate       uint16 // samplebuilder reorder window in packets
}

// Pipeline holds the collaborators shared by every stream.
type Pipeline struct {
	cfg      Config
	errorLog rate.Sometimes
}

func New(cfg Config) *Pipeline {
	if cfg.Detector == nil {
		cfg.Detector = detector.Nop{}
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = detector.DefaultMinConfidence
	}
	if cfg.DetectTimeout <= 0 {
		cfg.DetectTimeout = 2 * time.Second
	}
	if cfg.PLIInterval <= 0 {
		cfg.PLIInterval = 3 * time.Second
	}
	if cfg.MaxLate == 0 {
		cfg.MaxLate = 128
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil, nil)
	}
	return &Pipeline{
		cfg:      cfg,
		errorLog: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
}

// Warmup runs the detector's load step, if it has one, and records its
// duration as the model load time.
func (p *Pipeline) Warmup(ctx context.Context) error {
	w, ok := p.cfg.Detector.(detector.Warmer)
	if !ok {
		return nil
	}
	start := time.Now()
	if err := w.Warmup(ctx); err != nil {
		return err
	}
	elapsed := time.Since(start)
	p.cfg.Session.SetModelLoadTime(elapsed)
	logger.Info("Pipeline", "Detector ready in %v", elapsed)
	return nil
}

// Supported reports whether frames of mimeType can be assembled.
func Supported(mimeType string) bool {
	return depacketizerFor(mimeType) != nil
}

func depacketizerFor(mimeType string) rtp.Depacketizer {
	switch {
	case strings.EqualFold(mimeType, mimeVP8):
		return &codecs.VP8Packet{}
	case strings.EqualFold(mimeType, mimeH264):
		return &codecs.H264Packet{}
	}
	return nil
}

// Run consumes src until it fails or ctx is done. requestKeyframe, when not
// nil, is called at start and every PLIInterval. Run returns once the worker
// has finished the frame in progress.
func (p *Pipeline) Run(ctx context.Context, streamID, mimeType string, src PacketSource, requestKeyframe func() error) error {
	depacketizer := depacketizerFor(mimeType)
	if depacketizer == nil {
		return errors.New("unsupported codec " + mimeType)
	}

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan types.EncodedFrame, frameQueue)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.work(ctx, frames)
	}()

	if requestKeyframe != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.requestKeyframes(ctx, streamID, requestKeyframe)
		}()
	}

	logger.Info("Pipeline", "Stream %s started (%s)", streamID, mimeType)
	err := p.read(ctx, streamID, mimeType, depacketizer, src, frames)
	close(frames)
	cancel()
	wg.Wait()

	logger.Info("Pipeline", "Stream %s stopped", streamID)
	if errors.Is(err, io.EOF) || parent.Err() != nil {
		return nil
	}
	return err
}

func (p *Pipeline) read(ctx context.Context, streamID, mimeType string, depacketizer rtp.Depacketizer,
	src PacketSource, frames chan<- types.EncodedFrame) error {
	builder := samplebuilder.New(p.cfg.MaxLate, depacketizer, videoClockRate)
	var parser *h264.Processor
	if strings.EqualFold(mimeType, mimeH264) {
		parser = h264.NewProcessor()
	}

	var loss lossCounter
	var bytesIn int64
	packets := 0

	for ctx.Err() == nil {
		pkt, err := src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				p.cfg.Metrics.RTPErrors.Add(1)
			}
			return err
		}
		loss.observe(pkt.SequenceNumber)
		bytesIn += int64(pkt.MarshalSize())
		packets++

		builder.Push(pkt)
		for sample := builder.Pop(); sample != nil; sample = builder.Pop() {
			frame := types.EncodedFrame{
				StreamID:  streamID,
				MimeType:  mimeType,
				Data:      sample.Data,
				Timestamp: time.Now(),
				Packets:   packets,
			}
			packets = 0

			if parser != nil {
				parser.Inspect(&frame)
				frame.Data = parser.PrependHeaders(frame.Data)
			} else {
				frame.Keyframe = vp8Keyframe(frame.Data)
			}

			p.cfg.Metrics.FramesReceived.Add(1)
			p.cfg.Session.RecordNetwork(0, bytesIn)
			bytesIn = 0
			if lost, received := loss.flush(); lost+received > 0 {
				p.cfg.Session.RecordPacketLoss(lost, received)
			}
			if p.cfg.Preview != nil {
				p.cfg.Preview.Offer(frame)
			}

			select {
			case frames <- frame:
			default:
				p.cfg.Metrics.FramesDropped.Add(1)
			}
		}
	}
	return ctx.Err()
}

func (p *Pipeline) work(ctx context.Context, frames <-chan types.EncodedFrame) {
	for frame := range frames {
		if ctx.Err() != nil {
			continue
		}
		_, _ = p.ProcessFrame(ctx, frame)
	}
}

// ProcessFrame runs detection on one frame and records it:
// begin frame, begin inference, detect, end inference, record, publish
// (only when something was found), end frame. A detector error abandons
// both open pairs and records nothing.
func (p *Pipeline) ProcessFrame(ctx context.Context, frame types.EncodedFrame) ([]types.Detection, error) {
	s := p.cfg.Session
	id := telemetry.NextFrameID(frame.StreamID)

	s.Begin(telemetry.KindFrame, id)
	s.Begin(telemetry.KindInference, id)

	detectCtx, cancel := context.WithTimeout(ctx, p.cfg.DetectTimeout)
	dets, err := p.cfg.Detector.Detect(detectCtx, frame)
	cancel()
	if err != nil {
		s.Abandon(telemetry.KindInference, id)
		s.Abandon(telemetry.KindFrame, id)
		p.cfg.Metrics.DetectErrors.Add(1)
		p.cfg.Metrics.FramesAbandoned.Add(1)
		p.errorLog.Do(func() {
			logger.Warn("Pipeline", "Detection failed for %s: %v", id, err)
		})
		return nil, err
	}

	inference, _ := s.End(telemetry.KindInference, id)
	dets = detector.FilterByConfidence(dets, p.cfg.MinConfidence)
	s.Record(dets)

	if len(dets) > 0 && p.cfg.Hub != nil {
		ev, err := broadcast.NewEvent(types.DetectionBatch{
			StreamID:   frame.StreamID,
			FrameID:    id,
			Timestamp:  frame.Timestamp,
			Detections: dets,
		})
		if err != nil {
			logger.Error("Pipeline", "Encode detections for %s: %v", id, err)
		} else {
			p.cfg.Hub.Publish(ev)
		}
	}

	processing, _ := s.End(telemetry.KindFrame, id)
	p.cfg.Metrics.ObserveFrame(processing, inference, len(dets))
	return dets, nil
}

func (p *Pipeline) requestKeyframes(ctx context.Context, streamID string, request func() error) {
	ticker := time.NewTicker(p.cfg.PLIInterval)
	defer ticker.Stop()

	for {
		if err := request(); err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Debug("Pipeline", "Keyframe request for %s failed: %v", streamID, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// vp8Keyframe reads the frame-type bit of the VP8 frame tag.
func vp8Keyframe(data []byte) bool {
	return len(data) > 0 && data[0]&0x01 == 0
}
