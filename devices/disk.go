package devices

import (
	"context"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/sio"
	"github.com/strickyak/atarisio/util"
)

// File is the backing store of a disk image: sectors in order, no header.
type File interface {
	io.ReaderAt
	io.WriterAt
}

// Standard image geometries.
const (
	SingleSectors   = 720
	EnhancedSectors = 1040

	// The first three sectors of a 256-byte density disk are short.
	bootSectors = 3
)

// Disk is a drive holding a raw sector image.
type Disk struct {
	Name       string
	SectorSize int // 128 or 256
	Sectors    int
	ReadOnly   bool

	// UltraDivisor is the Pokey divisor answered to '?'; 0 means the
	// drive does not speak Ultra Speed.
	UltraDivisor byte

	mu   sync.Mutex
	file File
}

// ImageSize is the byte length of an image with this geometry.
func ImageSize(sectors, sectorSize int) int64 {
	if sectorSize == 128 || sectors <= bootSectors {
		return int64(sectors) * 128
	}
	return bootSectors*128 + int64(sectors-bootSectors)*int64(sectorSize)
}

// Geometry works out sector size and count from an image length.
func Geometry(size int64) (sectorSize, sectors int, err error) {
	switch {
	case size <= 0:
	case size == ImageSize(SingleSectors, 128), size == ImageSize(EnhancedSectors, 128):
		return 128, int(size / 128), nil
	case size > bootSectors*128 && (size-bootSectors*128)%256 == 0:
		return 256, bootSectors + int((size-bootSectors*128)/256), nil
	case size%128 == 0:
		return 128, int(size / 128), nil
	}
	return 0, 0, errors.Wrapf(sio.ErrConfig, "image of %d bytes has no sector layout", size)
}

func NewDisk(name string, f File, size int64, readOnly bool) (*Disk, error) {
	ss, n, err := Geometry(size)
	if err != nil {
		return nil, errors.Wrap(err, name)
	}
	if n > 0xFFFF {
		return nil, errors.Wrapf(sio.ErrConfig, "%s: %d sectors", name, n)
	}
	return &Disk{Name: name, SectorSize: ss, Sectors: n, ReadOnly: readOnly, file: f}, nil
}

// OpenDisk opens an image file. The file stays open for the life of the
// process, like a disk left in a drive.
func OpenDisk(path string, readOnly bool) (*Disk, error) {
	mode := os.O_RDWR
	if readOnly {
		mode = os.O_RDONLY
	}
	f, err := os.OpenFile(path, mode, 0)
	if err != nil {
		return nil, errors.Wrap(err, "open disk")
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "stat disk")
	}
	d, err := NewDisk(path, f, st.Size(), readOnly)
	if err != nil {
		f.Close()
	}
	return d, err
}

var NumberedDPattern = regexp.MustCompile(`^[Dd]([1-9]|1[0-5]):(.*)$`)

// OpenDisks parses a comma separated list like "D1:a.img,D3:b.img". A bare
// path takes the drive number of its position in the list.
func OpenDisks(disks string, readOnly bool) (map[byte]*Disk, error) {
	out := make(map[byte]*Disk)
	for i, spec := range strings.Split(disks, ",") {
		if spec == "" {
			continue
		}
		unit, path := i+1, spec
		if dp := NumberedDPattern.FindStringSubmatch(spec); dp != nil {
			j, err := strconv.Atoi(dp[1])
			if err != nil {
				return nil, errors.Wrapf(err, "disk spec %q", spec)
			}
			unit, path = j, dp[2]
		}
		if unit > 15 {
			return nil, errors.Wrapf(sio.ErrConfig, "disk spec %q: too many drives", spec)
		}
		if _, ok := out[byte(unit)]; ok {
			return nil, errors.Wrapf(sio.ErrConfig, "D%d: mounted twice", unit)
		}
		d, err := OpenDisk(path, readOnly)
		if err != nil {
			return nil, err
		}
		out[byte(unit)] = d
		Logf("Mounted D%d: on %q (%d x %d bytes)", unit, path, d.Sectors, d.SectorSize)
	}
	return out, nil
}

func (d *Disk) sectorLen(sector int) int {
	if sector <= bootSectors {
		return 128
	}
	return d.SectorSize
}

func (d *Disk) offset(sector int) int64 {
	util.AssertGE(sector, 1)
	return ImageSize(sector-1, d.SectorSize)
}

func (d *Disk) valid(sector int) bool {
	return sector >= 1 && sector <= d.Sectors
}

func (d *Disk) ReadSector(sector int) ([]byte, error) {
	if !d.valid(sector) {
		return nil, errors.Wrapf(sio.ErrConfig, "sector %d out of range", sector)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := make([]byte, d.sectorLen(sector))
	if _, err := d.file.ReadAt(buf, d.offset(sector)); err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "%s: read sector %d", d.Name, sector)
	}
	return buf, nil
}

func (d *Disk) WriteSector(sector int, data []byte) error {
	if !d.valid(sector) {
		return errors.Wrapf(sio.ErrConfig, "sector %d out of range", sector)
	}
	util.AssertEQ(len(data), d.sectorLen(sector))
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.file.WriteAt(data, d.offset(sector))
	return errors.Wrapf(err, "%s: write sector %d", d.Name, sector)
}

func (d *Disk) clear() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	zero := make([]byte, d.SectorSize)
	for s := 1; s <= d.Sectors; s++ {
		if _, err := d.file.WriteAt(zero[:d.sectorLen(s)], d.offset(s)); err != nil {
			return errors.Wrapf(err, "%s: format", d.Name)
		}
	}
	return nil
}

// Status is the 4-byte reply to 'S'.
func (d *Disk) Status() []byte {
	flags := byte(0x10) // motor on
	if d.SectorSize == 256 {
		flags |= 0x20
	}
	if d.SectorSize == 128 && d.Sectors == EnhancedSectors {
		flags |= 0x80
	}
	controller := byte(0xFF)
	if d.ReadOnly {
		flags |= 0x08
		controller &^= 0x40
	}
	return []byte{flags, controller, 0xE0, 0x00}
}

// Percom describes the image the way a PERCOM drive would.
func (d *Disk) Percom() sio.Percom {
	p := sio.Percom{Tracks: 1, StepRate: 1, SectorsPerTrack: uint16(d.Sectors), SectorSize: uint16(d.SectorSize), Online: 0xFF}
	switch {
	case d.Sectors == SingleSectors:
		p.Tracks, p.SectorsPerTrack = 40, 18
	case d.Sectors == EnhancedSectors && d.SectorSize == 128:
		p.Tracks, p.SectorsPerTrack = 40, 26
	}
	if d.SectorSize == 256 || d.Sectors == EnhancedSectors {
		p.Density = 4
	}
	return p
}

func (d *Disk) ProcessCommandFrame(ctx context.Context, c Conn, f *sio.CommandFrame) error {
	switch f.Command {
	case sio.CMD_STATUS:
		if err := c.SendCommandACK(ctx, f); err != nil {
			return err
		}
		return c.SendCompleteAndData(ctx, f, d.Status())

	case sio.CMD_READ_SECTOR:
		sector := int(f.Aux())
		if !d.valid(sector) {
			return c.SendCommandNAK(ctx, f)
		}
		if err := c.SendCommandACK(ctx, f); err != nil {
			return err
		}
		buf, err := d.ReadSector(sector)
		if err != nil {
			Logf("devices: %v", err)
			if err := c.SendError(ctx, f); err != nil {
				return err
			}
			return c.SendDataFrame(ctx, f, make([]byte, d.sectorLen(sector)))
		}
		return c.SendCompleteAndData(ctx, f, buf)

	case sio.CMD_PUT_SECTOR, sio.CMD_WRITE_SECTOR:
		sector := int(f.Aux())
		if !d.valid(sector) {
			return c.SendCommandNAK(ctx, f)
		}
		data, err := d.receive(ctx, c, f, d.sectorLen(sector))
		if err != nil || data == nil {
			return err
		}
		if d.ReadOnly {
			return c.SendError(ctx, f)
		}
		if err := d.WriteSector(sector, data); err != nil {
			Logf("devices: %v", err)
			return c.SendError(ctx, f)
		}
		return c.SendComplete(ctx, f)

	case sio.CMD_PERCOM_GET:
		if err := c.SendCommandACK(ctx, f); err != nil {
			return err
		}
		return c.SendCompleteAndData(ctx, f, d.Percom().Bytes())

	case sio.CMD_PERCOM_PUT:
		data, err := d.receive(ctx, c, f, sio.PercomSize)
		if err != nil || data == nil {
			return err
		}
		p, _ := sio.ParsePercom(data)
		// Only the geometry already in the image can be selected.
		if p.Sectors() != d.Sectors || int(p.SectorSize) != d.SectorSize {
			return c.SendError(ctx, f)
		}
		return c.SendComplete(ctx, f)

	case sio.CMD_FORMAT, sio.CMD_FORMAT_ENHANCED:
		if f.Command == sio.CMD_FORMAT_ENHANCED && (d.Sectors != EnhancedSectors || d.SectorSize != 128) {
			return c.SendCommandNAK(ctx, f)
		}
		if err := c.SendCommandACK(ctx, f); err != nil {
			return err
		}
		// The reply lists bad sectors, terminated by $FFFF.
		reply := make([]byte, d.SectorSize)
		reply[0], reply[1] = 0xFF, 0xFF
		if d.ReadOnly {
			if err := c.SendError(ctx, f); err != nil {
				return err
			}
			return c.SendDataFrame(ctx, f, reply)
		}
		if err := d.clear(); err != nil {
			Logf("devices: %v", err)
			if err := c.SendError(ctx, f); err != nil {
				return err
			}
			return c.SendDataFrame(ctx, f, reply)
		}
		return c.SendCompleteAndData(ctx, f, reply)

	case sio.CMD_GET_SPEED:
		if d.UltraDivisor == 0 {
			return c.SendCommandNAK(ctx, f)
		}
		if err := c.SendCommandACK(ctx, f); err != nil {
			return err
		}
		return c.SendCompleteAndData(ctx, f, []byte{d.UltraDivisor})
	}
	return c.SendCommandNAK(ctx, f)
}

// receive runs the ACK, data frame, data ACK part of a write. A nil slice
// with a nil error means the frame was refused and already answered.
func (d *Disk) receive(ctx context.Context, c Conn, f *sio.CommandFrame, n int) ([]byte, error) {
	if err := c.SendCommandACK(ctx, f); err != nil {
		return nil, err
	}
	data, err := c.ReceiveDataFrame(ctx, f, n)
	if errors.Cause(err) == sio.ErrChecksum {
		return nil, c.SendDataNAK(ctx, f)
	}
	if err != nil {
		return nil, err
	}
	return data, c.SendDataACK(ctx, f)
}
