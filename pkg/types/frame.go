package types

import "time"

// EncodedFrame is one fully assembled video frame taken off an RTP track.
type EncodedFrame struct {
	StreamID  string    // Peer/track the frame belongs to
	MimeType  string    // Codec of Data (video/VP8, video/H264, ...)
	Data      []byte    // Encoded frame payload
	Timestamp time.Time // Arrival time of the last packet of the frame
	Keyframe  bool      // True if the frame can be decoded on its own
	Packets   int       // RTP packets that made up the frame
}

// NALUnit represents a single H.264 NAL unit
type NALUnit struct {
	Type uint8  // NAL unit type (lower 5 bits)
	Data []byte // Complete NAL unit including header
}

// NALUnitType constants
const (
	NALTypeSlice     uint8 = 1
	NALTypeIDR       uint8 = 5
	NALTypeSEI       uint8 = 6
	NALTypeSPS       uint8 = 7
	NALTypePPS       uint8 = 8
	NALTypeAUD       uint8 = 9
	NALTypeEndSeq    uint8 = 10
	NALTypeEndStream uint8 = 11
	NALTypeFiller    uint8 = 12
)
