package h264

import (
	"github.com/dj-oyu/webrtc-object-detection/detection-server/pkg/types"
)

// Processor inspects Annex-B access units assembled from an H.264 RTP track.
// It marks IDR frames as keyframes and caches the latest SPS/PPS so a frame
// handed to the detector mid-stream can be made self-contained.
// A Processor belongs to one stream and is not safe for concurrent use.
type Processor struct {
	sps []byte
	pps []byte
}

func NewProcessor() *Processor {
	return &Processor{}
}

// Inspect walks the NAL units of frame, caches parameter sets and sets
// frame.Keyframe when an IDR slice is present.
func (p *Processor) Inspect(frame *types.EncodedFrame) {
	for _, nal := range SplitNALUnits(frame.Data) {
		switch nal.Type {
		case types.NALTypeSPS:
			p.sps = append(p.sps[:0], nal.Data...)
		case types.NALTypePPS:
			p.pps = append(p.pps[:0], nal.Data...)
		case types.NALTypeIDR:
			frame.Keyframe = true
		}
	}
}

// HasHeaders reports whether both SPS and PPS have been seen.
func (p *Processor) HasHeaders() bool {
	return len(p.sps) > 0 && len(p.pps) > 0
}

// PrependHeaders returns data with the cached SPS/PPS in front when data is
// an IDR frame that does not already carry them. Other frames are returned
// unchanged.
func (p *Processor) PrependHeaders(data []byte) []byte {
	if !p.HasHeaders() {
		return data
	}

	hasIDR, hasSPS := false, false
	for _, nal := range SplitNALUnits(data) {
		switch nal.Type {
		case types.NALTypeIDR:
			hasIDR = true
		case types.NALTypeSPS:
			hasSPS = true
		}
	}
	if !hasIDR || hasSPS {
		return data
	}

	out := make([]byte, 0, len(p.sps)+len(p.pps)+len(data))
	out = append(out, p.sps...)
	out = append(out, p.pps...)
	return append(out, data...)
}

// SplitNALUnits splits an Annex-B byte stream into NAL units. Each unit's
// Data keeps its start code and aliases the input.
func SplitNALUnits(data []byte) []types.NALUnit {
	var units []types.NALUnit

	offset := 0
	for offset < len(data) {
		codeLen := startCodeAt(data, offset)
		if codeLen == 0 {
			offset++
			continue
		}

		header := offset + codeLen
		if header >= len(data) {
			break
		}

		end := findNextStartCode(data, header+1)
		if end == -1 {
			end = len(data)
		}

		units = append(units, types.NALUnit{
			Type: data[header] & 0x1F,
			Data: data[offset:end],
		})
		offset = end
	}
	return units
}

// startCodeAt returns the length of the start code at offset, or 0.
func startCodeAt(data []byte, offset int) int {
	if offset+4 <= len(data) && data[offset] == 0 && data[offset+1] == 0 && data[offset+2] == 0 && data[offset+3] == 1 {
		return 4
	}
	if offset+3 <= len(data) && data[offset] == 0 && data[offset+1] == 0 && data[offset+2] == 1 {
		return 3
	}
	return 0
}

func findNextStartCode(data []byte, offset int) int {
	for i := offset; i < len(data)-2; i++ {
		if data[i] != 0x00 || data[i+1] != 0x00 {
			continue
		}
		if data[i+2] == 0x01 {
			return i
		}
		if i+3 < len(data) && data[i+2] == 0x00 && data[i+3] == 0x01 {
			return i
		}
	}
	return -1
}

// IsKeyframe reports whether data contains an IDR slice.
func IsKeyframe(data []byte) bool {
	for _, nal := range SplitNALUnits(data) {
		if nal.Type == types.NALTypeIDR {
			return true
		}
	}
	return false
}
