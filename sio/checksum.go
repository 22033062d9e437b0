package sio

// ChecksumAdd folds one byte into a running SIO checksum. The carry out of
// bit 7 is added back in, so this is not a plain mod-256 sum.
func ChecksumAdd(sum, b byte) byte {
	s := uint(sum) + uint(b)
	if s >= 256 {
		s = (s & 0xFF) + 1
	}
	return byte(s)
}

// Checksum returns the SIO checksum of data.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum = ChecksumAdd(sum, b)
	}
	return sum
}
