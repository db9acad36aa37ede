// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package busproto

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Statistics counts frames seen on the bus by outcome and message type
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	TotalFrames     uint64
	ValidFrames     uint64
	CRCErrors       uint64
	DecodeErrors    uint64
	MalformedFrames uint64
	ByType          map[uint8]uint64

	// Per second since StartTime, refreshed by CalculateRates
	FrameRate float64
	ErrorRate float64
}

// NewStatistics starts counting now
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{StartTime: now, LastUpdateTime: now, ByType: make(map[uint8]uint64)}
}

// Update records one frame. A decode error means packet is nil; a packet
// with validation errors counts as malformed.
func (s *Statistics) Update(packet *Packet, decodeErr error, validationErrors []ValidationError) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	switch {
	case errors.Is(decodeErr, ErrCRCMismatch):
		s.CRCErrors++
		return
	case decodeErr != nil:
		s.DecodeErrors++
		return
	}
	if packet != nil {
		s.ByType[packet.Type()]++
	}
	if len(validationErrors) == 0 {
		s.ValidFrames++
	} else {
		s.MalformedFrames++
	}
}

// Errors is the number of frames that failed for any reason
func (s *Statistics) Errors() uint64 {
	return s.CRCErrors + s.DecodeErrors + s.MalformedFrames
}

// CalculateRates refreshes FrameRate and ErrorRate
func (s *Statistics) CalculateRates() {
	secs := time.Since(s.StartTime).Seconds()
	if secs <= 0 {
		return
	}
	s.FrameRate = float64(s.TotalFrames) / secs
	s.ErrorRate = float64(s.Errors()) / secs
}

// String renders a multi-line summary for text mode
func (s *Statistics) String() string {
	s.CalculateRates()

	var b strings.Builder
	row := func(label, format string, args ...interface{}) {
		fmt.Fprintf(&b, "%-16s "+format+"\n", append([]interface{}{label + ":"}, args...)...)
	}

	valid := 0.0
	if s.TotalFrames > 0 {
		valid = float64(s.ValidFrames) * 100 / float64(s.TotalFrames)
	}
	fmt.Fprintf(&b, "=== Bus Statistics (%.0f seconds) ===\n", time.Since(s.StartTime).Seconds())
	row("Total Frames", "%8d", s.TotalFrames)
	row("Valid Frames", "%8d (%.1f%%)", s.ValidFrames, valid)
	for _, c := range []struct {
		label string
		n     uint64
	}{{"CRC Errors", s.CRCErrors}, {"Decode Errors", s.DecodeErrors}, {"Malformed", s.MalformedFrames}} {
		if c.n > 0 {
			row(c.label, "%8d", c.n)
		}
	}
	for t := MsgSyncInvite; t <= MsgFaultReport; t++ {
		if n := s.ByType[uint8(t)]; n > 0 {
			row("  "+FormatMessageType(uint8(t)), "%6d", n)
		}
	}
	row("Frame Rate", "%8.1f frames/sec", s.FrameRate)
	row("Error Rate", "%8.1f errors/sec", s.ErrorRate)
	b.WriteString(strings.Repeat("=", 36) + "\n")
	return b.String()
}

// Reset zeroes every counter and restarts the clock
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
