package telemetry

import (
	"strconv"
	"sync/atomic"
)

// FrameIDs hands out frame identifiers of the form "<stream-id>/<seq>". The
// sequence is shared by every stream using the same FrameIDs, so identifiers
// stay unique even when two streams reuse a stream id.
type FrameIDs struct {
	seq atomic.Uint64
}

// Next returns a new identifier for a frame of streamID.
func (f *FrameIDs) Next(streamID string) string {
	return streamID + "/" + strconv.FormatUint(f.seq.Add(1), 10)
}

var frameIDs FrameIDs

// NextFrameID draws from the process-wide FrameIDs.
func NextFrameID(streamID string) string {
	return frameIDs.Next(streamID)
}
