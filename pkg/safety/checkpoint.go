// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package safety

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/manikinos/pkg/busproto"
	"github.com/Thermoquad/manikinos/pkg/fault"
	"github.com/Thermoquad/manikinos/pkg/modsync"
)

// Checkpoint is a snapshot of the recoverable scheduler, clock and
// synchronization state
type Checkpoint struct {
	Index             int           `cbor:"1,keyasint"`
	Cycle             uint64        `cbor:"2,keyasint"`
	MillisecondsTotal uint64        `cbor:"3,keyasint"`
	ClockSynced       bool          `cbor:"4,keyasint"`
	SyncState         modsync.State `cbor:"5,keyasint"`
	SyncFlags         modsync.Flags `cbor:"6,keyasint"`
	StartAtMs         uint64        `cbor:"7,keyasint"`
	TakenAtMs         uint64        `cbor:"8,keyasint"`
	Boot              bool          `cbor:"9,keyasint"`
}

// Sync returns the synchronizer part of the checkpoint
func (c Checkpoint) Sync() modsync.Snapshot {
	return modsync.Snapshot{State: c.SyncState, Flags: c.SyncFlags, StartAtMs: c.StartAtMs}
}

// Encode serializes a checkpoint as CBOR followed by a big-endian CRC-16
func Encode(c Checkpoint) ([]byte, error) {
	data, err := cbor.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	crc := busproto.CalculateCRC(data)
	return binary.BigEndian.AppendUint16(data, crc), nil
}

// Decode validates and deserializes a checkpoint image. slots bounds the
// cursor index. Every failure is a CheckpointCorrupt fault.
func Decode(blob []byte, slots int) (Checkpoint, error) {
	var c Checkpoint
	if len(blob) < busproto.CRCSize+1 {
		return c, fault.New(fault.CheckpointCorrupt, "checkpoint image too short (%d bytes)", len(blob))
	}

	data := blob[:len(blob)-busproto.CRCSize]
	stored := binary.BigEndian.Uint16(blob[len(blob)-busproto.CRCSize:])
	if calc := busproto.CalculateCRC(data); calc != stored {
		return c, fault.New(fault.CheckpointCorrupt, "checkpoint CRC mismatch (stored 0x%04X, calculated 0x%04X)", stored, calc)
	}

	if err := cbor.Unmarshal(data, &c); err != nil {
		return c, fault.New(fault.CheckpointCorrupt, "checkpoint does not decode").WithErr(err)
	}
	if c.Index < 0 || c.Index >= slots {
		return c, fault.New(fault.CheckpointCorrupt, "checkpoint slot index %d outside [0, %d)", c.Index, slots)
	}
	if c.SyncState > modsync.AwaitingStartBroadcast {
		return c, fault.New(fault.CheckpointCorrupt, "checkpoint has invalid sync state %d", c.SyncState)
	}
	return c, nil
}

// Store keeps the boot checkpoint and the last known-good checkpoint as
// encoded images.
type Store struct {
	mu     sync.Mutex
	slots  int
	boot   []byte
	latest []byte
	saves  uint64
}

// NewStore creates a store seeded with a boot checkpoint
func NewStore(slots int, boot Checkpoint) (*Store, error) {
	boot.Boot = true
	img, err := Encode(boot)
	if err != nil {
		return nil, err
	}
	return &Store{slots: slots, boot: img}, nil
}

// Save records a new known-good checkpoint
func (s *Store) Save(c Checkpoint) error {
	img, err := Encode(c)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.latest = img
	s.saves++
	s.mu.Unlock()
	return nil
}

// Latest returns the last saved checkpoint, falling back to boot
func (s *Store) Latest() (Checkpoint, error) {
	s.mu.Lock()
	img := s.latest
	if img == nil {
		img = s.boot
	}
	s.mu.Unlock()
	return Decode(img, s.slots)
}

// Boot returns the boot checkpoint
func (s *Store) Boot() (Checkpoint, error) {
	s.mu.Lock()
	img := s.boot
	s.mu.Unlock()
	return Decode(img, s.slots)
}

// Saves returns the number of checkpoints taken
func (s *Store) Saves() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// Corrupt flips one bit of the latest image. Used for fault injection.
func (s *Store) Corrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	img := s.latest
	if img == nil {
		img = s.boot
	}
	if len(img) > 0 {
		img[0] ^= 0x01
	}
}
