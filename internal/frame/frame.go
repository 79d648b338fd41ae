// Package frame decodes the fixed-layout telemetry record pushed by the
// PLC's TSEND_C block: 65 Words, 65 Ints and 257 Reals, big-endian,
// 1288 bytes total. The layout mirrors the UDT in the PLC program, so the
// emitted variable names keep the PLC type names (Word, Int, Real).
package frame

import (
	"errors"
	"fmt"
)

const (
	// Size is the on-wire size of one telemetry record.
	Size = 1288

	WordCount = 65
	IntCount  = 65
	RealCount = 257

	wordRegionOffset = 0
	intRegionOffset  = 130
	realRegionOffset = 260
)

// ErrShortFrame is returned when a buffer shorter than Size is decoded.
var ErrShortFrame = errors.New("short frame")

// Frame is one decoded telemetry record as delivered to subscribers.
type Frame struct {
	Timestamp string             `json:"timestamp"`
	Variables map[string]float64 `json:"variables"`
}

// Variable is the enriched view of a single parsed field.
type Variable struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	DataType string `json:"data_type"`
	Unit     string `json:"unit,omitempty"`
}

// Packet groups the variables of one frame with its origin and receive time.
// The registry retains at most one Packet per peer IP.
type Packet struct {
	IP        string     `json:"ip"`
	Timestamp int64      `json:"timestamp"`
	Size      int        `json:"size"`
	Variables []Variable `json:"variables"`
}

// Decoded carries both views produced by Decode: the lossy numeric map
// published on the fan-out channel and the stringified variable list kept
// as the last packet per peer.
type Decoded struct {
	Frame Frame
	Vars  []Variable
}

func fail(n int) error {
	return fmt.Errorf("%w: got %d bytes, want %d", ErrShortFrame, n, Size)
}
