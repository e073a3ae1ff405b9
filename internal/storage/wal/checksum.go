package wal

// ============================================================================
// Checksums
// Responsibility: compute and verify the CRC32 of WAL events
// ============================================================================

import (
	"hash/crc32"
	"strconv"
)

// CalculateChecksum computes the CRC32-IEEE of an event.
//
// Covered fields: Seq, Type, JobID, Timestamp and the encoded job bytes.
// The checksum field itself is excluded.
func CalculateChecksum(event Event) uint32 {
	h := crc32.NewIEEE()
	var buf []byte
	buf = strconv.AppendUint(buf, event.Seq, 10)
	buf = append(buf, '|')
	buf = append(buf, event.Type...)
	buf = append(buf, '|')
	buf = append(buf, event.JobID...)
	buf = append(buf, '|')
	buf = strconv.AppendInt(buf, event.Timestamp, 10)
	buf = append(buf, '|')
	h.Write(buf)
	h.Write(event.Job)
	return h.Sum32()
}

// VerifyChecksum returns a *ChecksumError when the stored checksum is wrong
func VerifyChecksum(event Event) error {
	expected := CalculateChecksum(event)
	if event.Checksum != expected {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
