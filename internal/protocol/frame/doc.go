// Package frame owns the delimiter-framed wire format.
//
// Layout with the default options:
//
//	[LEN][INDEX][PAYLOAD (LEN-3 bytes)][CHECK][0x00]
//
// LEN counts every byte after itself, delimiter included. CHECK is CRC-8/SMBus.
// The first 0x00 after a frame start is taken as its end, so payloads must not contain
// 0x00 unless StuffingCOBS is selected.
package frame
