package session

// halfSeqSpace splits the circular 32-bit sequence space.
const halfSeqSpace = 1 << 31

// seqBehind reports whether seq is behind ref in sequence space. A raw
// difference larger than half the space is a wraparound.
func seqBehind(ref, seq uint32) bool {
	switch {
	case seq < ref:
		return ref-seq < halfSeqSpace
	case seq > ref:
		return seq-ref > halfSeqSpace
	default:
		return false
	}
}
