package pipeline

// maxSeqJump is the largest forward gap counted as loss. Bigger jumps are
// treated as a stream restart.
const maxSeqJump = 1000

// lossCounter derives lost and received packet counts from RTP sequence
// numbers. Late or duplicate packets are counted as received but never
// reduce the loss already reported.
type lossCounter struct {
	started  bool
	highest  uint16
	lost     uint64
	received uint64
}

func (l *lossCounter) observe(seq uint16) {
	l.received++
	if !l.started {
		l.started = true
		l.highest = seq
		return
	}

	delta := seq - l.highest // wraps
	if delta == 0 || delta >= 0x8000 {
		return
	}
	if delta > 1 && delta <= maxSeqJump {
		l.lost += uint64(delta - 1)
	}
	l.highest = seq
}

// flush returns the counts since the previous flush.
func (l *lossCounter) flush() (lost, received uint64) {
	lost, received = l.lost, l.received
	l.lost, l.received = 0, 0
	return lost, received
}
