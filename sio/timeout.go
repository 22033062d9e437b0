package sio

import "time"

// TransferTime is how long count bytes take on the wire at baud, rounded up
// to whole milliseconds.
func TransferTime(count int, baud uint) time.Duration {
	if count <= 0 || baud == 0 {
		return 0
	}
	bits := uint64(BitsPerByte) * uint64(count) * 1000
	ms := (bits + uint64(baud) - 1) / uint64(baud)
	return time.Duration(ms) * time.Millisecond
}

// Timeout is TransferTime plus a fixed headroom. Always use the exact
// programmed baud rate, not the nominal one.
func Timeout(count int, exactBaud uint, headroom time.Duration) time.Duration {
	return TransferTime(count, exactBaud) + headroom
}
