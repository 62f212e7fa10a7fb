// Package preview keeps the most recent keyframe received from any stream and
// renders it as a JPEG for the live preview endpoint.
package preview

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"strings"
	"sync"
	"time"

	"golang.org/x/image/vp8"

	"github.com/dj-oyu/webrtc-object-detection/detection-server/pkg/types"
)

var (
	ErrNoFrame          = errors.New("no keyframe received yet")
	ErrUnsupportedCodec = errors.New("preview not supported for codec")
)

const jpegQuality = 80

// Buffer holds the latest keyframe. Offer is called from stream workers,
// JPEG from HTTP handlers.
type Buffer struct {
	mu      sync.Mutex
	frame   types.EncodedFrame
	seq     uint64
	jpeg    []byte
	jpegSeq uint64
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Offer stores frame if it is a keyframe. The payload is copied.
func (b *Buffer) Offer(frame types.EncodedFrame) bool {
	if !frame.Keyframe || len(frame.Data) == 0 {
		return false
	}
	frame.Data = append([]byte(nil), frame.Data...)

	b.mu.Lock()
	b.frame = frame
	b.seq++
	b.mu.Unlock()
	return true
}

// Latest returns the stored keyframe.
func (b *Buffer) Latest() (types.EncodedFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame, b.seq > 0
}

// Updated returns the arrival time of the stored keyframe.
func (b *Buffer) Updated() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.frame.Timestamp
}

// JPEG renders the stored keyframe. The result is cached until the next
// keyframe arrives; decoding runs without holding the buffer lock.
func (b *Buffer) JPEG() ([]byte, error) {
	b.mu.Lock()
	if b.seq == 0 {
		b.mu.Unlock()
		return nil, ErrNoFrame
	}
	if b.jpeg != nil && b.jpegSeq == b.seq {
		out := b.jpeg
		b.mu.Unlock()
		return out, nil
	}
	frame, seq := b.frame, b.seq
	b.mu.Unlock()

	img, err := decode(frame)
	if err != nil {
		return nil, err
	}
	data, err := encodeJPEG(img)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if seq == b.seq {
		b.jpeg = data
		b.jpegSeq = seq
	}
	b.mu.Unlock()
	return data, nil
}

func decode(frame types.EncodedFrame) (image.Image, error) {
	if !strings.EqualFold(frame.MimeType, "video/VP8") {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCodec, frame.MimeType)
	}

	d := vp8.NewDecoder()
	d.Init(bytes.NewReader(frame.Data), len(frame.Data))
	fh, err := d.DecodeFrameHeader()
	if err != nil {
		return nil, fmt.Errorf("vp8 header: %w", err)
	}
	if !fh.KeyFrame {
		return nil, errors.New("vp8: not a keyframe")
	}
	img, err := d.DecodeFrame()
	if err != nil {
		return nil, fmt.Errorf("vp8 decode: %w", err)
	}
	return img, nil
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}
