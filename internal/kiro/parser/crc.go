// Package parser decodes Kiro's length-prefixed, dual-CRC binary event
// stream frames.
package parser

import "hash/crc32"

// checksum computes the CRC32 ISO-HDLC (also called IEEE) checksum used for
// both the prelude and message checksums. Go's hash/crc32.IEEETable is the
// ISO-HDLC polynomial.
func checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
