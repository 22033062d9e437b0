package sio

import "github.com/pkg/errors"

const PercomSize = 12

// Percom is the 12-byte drive geometry block.
type Percom struct {
	Tracks          byte
	StepRate        byte
	SectorsPerTrack uint16
	Sides           byte // heads minus one
	Density         byte // 0 single, 4 double/medium
	SectorSize      uint16
	Online          byte
	Reserved        [3]byte
}

func (p Percom) Bytes() []byte {
	return []byte{
		p.Tracks, p.StepRate,
		byte(p.SectorsPerTrack >> 8), byte(p.SectorsPerTrack),
		p.Sides, p.Density,
		byte(p.SectorSize >> 8), byte(p.SectorSize),
		p.Online, p.Reserved[0], p.Reserved[1], p.Reserved[2],
	}
}

func ParsePercom(b []byte) (Percom, error) {
	if len(b) != PercomSize {
		return Percom{}, errors.Wrapf(ErrConfig, "percom block is %d bytes", len(b))
	}
	return Percom{
		Tracks:          b[0],
		StepRate:        b[1],
		SectorsPerTrack: uint16(b[2])<<8 | uint16(b[3]),
		Sides:           b[4],
		Density:         b[5],
		SectorSize:      uint16(b[6])<<8 | uint16(b[7]),
		Online:          b[8],
		Reserved:        [3]byte{b[9], b[10], b[11]},
	}, nil
}

// Sectors is the total count the geometry describes.
func (p Percom) Sectors() int {
	return int(p.Tracks) * int(p.SectorsPerTrack) * (int(p.Sides) + 1)
}
