package wal

// ============================================================================
// Checksum
// Responsibility: Compute and verify the CRC32 of WAL events
// ============================================================================

import (
	"encoding/json"
	"hash/crc32"
)

// CalculateChecksum returns the CRC32-IEEE of every field of event except
// Checksum itself. Timestamp is covered so a replayed record is byte
// identical to the written one.
func CalculateChecksum(event Event) uint32 {
	event.Checksum = 0
	// Marshal of this struct cannot fail; map keys are sorted by encoding/json.
	data, _ := json.Marshal(event)
	return crc32.ChecksumIEEE(data)
}

// VerifyChecksum returns a *ChecksumError when event was altered.
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
