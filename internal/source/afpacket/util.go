package afpacket

import (
	"fmt"
	"time"
)

const (
	defaultBufferSizeMB = 8
	// pollTimeout bounds a blocking read so the caller can observe cancellation.
	pollTimeout = 500 * time.Millisecond
)

type Config struct {
	Interface    string
	SnapLen      int
	BufferSizeMB int
	Filter       string
}

// recomputeSize derives the TPACKET ring geometry for a memory budget.
//
// AF_PACKET PACKET_MMAP requires:
// 1. frameSize must be a multiple of TPACKET_ALIGNMENT (16 bytes)
// 2. blockSize must be a multiple of pageSize
// 3. blockSize must be a multiple of frameSize
//
// blockSize starts at lcm(pageSize, frameSize) and is doubled while it stays
// under both 4 MB and the budget. numBlocks fills the budget, at least one.
func recomputeSize(ringBufferSizeMB, snapLen, pageSize int) (frameSize, blockSize, numBlocks int, err error) {
	const tpacketAlignment = 16 // TPACKET_ALIGNMENT
	const tpacketHdrLen = 52    // TPACKET3_HDRLEN, rounded
	const maxBlockSize = 4 * 1024 * 1024

	if ringBufferSizeMB <= 0 {
		return 0, 0, 0, fmt.Errorf("ringBufferSizeMB must be positive, got %d", ringBufferSizeMB)
	}
	if snapLen <= 0 {
		return 0, 0, 0, fmt.Errorf("snapLen must be positive, got %d", snapLen)
	}
	if pageSize <= 0 || pageSize%tpacketAlignment != 0 {
		return 0, 0, 0, fmt.Errorf("pageSize must be positive and multiple of %d, got %d", tpacketAlignment, pageSize)
	}

	targetBytes := ringBufferSizeMB * 1024 * 1024

	frameSize = ((tpacketHdrLen + snapLen + tpacketAlignment - 1) / tpacketAlignment) * tpacketAlignment
	blockSize = lcm(pageSize, frameSize)
	for blockSize*2 <= maxBlockSize && blockSize*2 <= targetBytes {
		blockSize *= 2
	}

	numBlocks = targetBytes / blockSize
	if numBlocks < 1 {
		numBlocks = 1
	}
	return frameSize, blockSize, numBlocks, nil
}

// gcd computes the greatest common divisor of two integers
func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// lcm computes the least common multiple of two integers
func lcm(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return (a * b) / gcd(a, b)
}
