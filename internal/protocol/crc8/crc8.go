// Package crc8 implements the CRC-8/SMBus check used on every frame.
//
// Polynomial x^8+x^2+x+1 (0x07), initial value 0, no reflection, no final xor.
// Table driven by github.com/gdbinit/crc, which the reference peers hash with.
package crc8

import "github.com/gdbinit/crc"

const (
	Polynomial byte = 0x07
	Init       byte = 0x00
)

var table = crc.NewTable(crc.CRC8)

// Checksum returns the CRC-8/SMBus of data.
func Checksum(data []byte) byte {
	return Update(Init, data)
}

// Update continues a running checksum over data.
func Update(sum byte, data []byte) byte {
	return table.CRC8(table.UpdateCRC(uint64(sum), data))
}

