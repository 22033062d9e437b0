package host

import (
	"context"

	"github.com/strickyak/atarisio/sio"
)

// StatusSize is the length of the disk status reply.
const StatusSize = 4

// Default COMPLETE timeouts in seconds.
const (
	sectorTimeout = 7
	formatTimeout = 100
)

func (c *Controller) disk(unit, cmd byte, dir sio.Direction, timeout uint, aux uint16, data []byte) *sio.Params {
	p := &sio.Params{
		Device:    sio.DeviceDisk,
		Unit:      unit,
		Command:   cmd,
		Direction: dir,
		Timeout:   timeout,
		Data:      data,
	}
	p.SetAux(aux)
	p.Mode, p.Baudrate = c.Speed()
	return p
}

// ReadSector reads sector into buf; len(buf) is the sector size.
func (c *Controller) ReadSector(ctx context.Context, unit byte, sector uint16, buf []byte) error {
	return c.Transaction(ctx, c.disk(unit, sio.CMD_READ_SECTOR, sio.DirReceive, sectorTimeout, sector, buf))
}

// WriteSector writes without verify.
func (c *Controller) WriteSector(ctx context.Context, unit byte, sector uint16, buf []byte) error {
	return c.Transaction(ctx, c.disk(unit, sio.CMD_PUT_SECTOR, sio.DirSend, sectorTimeout, sector, buf))
}

func (c *Controller) WriteVerifySector(ctx context.Context, unit byte, sector uint16, buf []byte) error {
	return c.Transaction(ctx, c.disk(unit, sio.CMD_WRITE_SECTOR, sio.DirSend, sectorTimeout, sector, buf))
}

// Format returns the bad sector list the drive sends back, sectorSize
// bytes long.
func (c *Controller) Format(ctx context.Context, unit byte, sectorSize int) ([]byte, error) {
	buf := make([]byte, sectorSize)
	err := c.Transaction(ctx, c.disk(unit, sio.CMD_FORMAT, sio.DirReceive, formatTimeout, 0, buf))
	return buf, err
}

// FormatEnhanced is the 1050 medium density format.
func (c *Controller) FormatEnhanced(ctx context.Context, unit byte) ([]byte, error) {
	buf := make([]byte, 128)
	err := c.Transaction(ctx, c.disk(unit, sio.CMD_FORMAT_ENHANCED, sio.DirReceive, formatTimeout, 0, buf))
	return buf, err
}

// DriveStatus is the 4-byte status reply.
type DriveStatus struct {
	Flags      byte
	Controller byte
	FormatTime byte
	Unused     byte
}

func (s DriveStatus) WriteProtected() bool { return s.Controller&0x40 == 0 }
func (s DriveStatus) DoubleDensity() bool  { return s.Flags&0x20 != 0 }

func (c *Controller) GetStatus(ctx context.Context, unit byte) (DriveStatus, error) {
	buf := make([]byte, StatusSize)
	p := c.disk(unit, sio.CMD_STATUS, sio.DirReceive, sectorTimeout, 0, buf)
	// Status is always asked at the standard rate; the speed byte comes from
	// GetSpeedByte.
	p.Mode, p.Baudrate = sio.SpeedNormal, 0
	if err := c.Transaction(ctx, p); err != nil {
		return DriveStatus{}, err
	}
	return DriveStatus{buf[0], buf[1], buf[2], buf[3]}, nil
}

func (c *Controller) PercomGet(ctx context.Context, unit byte) (sio.Percom, error) {
	buf := make([]byte, sio.PercomSize)
	if err := c.Transaction(ctx, c.disk(unit, sio.CMD_PERCOM_GET, sio.DirReceive, sectorTimeout, 0, buf)); err != nil {
		return sio.Percom{}, err
	}
	return sio.ParsePercom(buf)
}

func (c *Controller) PercomPut(ctx context.Context, unit byte, pc sio.Percom) error {
	return c.Transaction(ctx, c.disk(unit, sio.CMD_PERCOM_PUT, sio.DirSend, sectorTimeout, 0, pc.Bytes()))
}

// Immediate sends a command with no data phase.
func (c *Controller) Immediate(ctx context.Context, device, unit, cmd byte, aux uint16, timeout uint) error {
	p := &sio.Params{Device: device, Unit: unit, Command: cmd, Timeout: timeout}
	p.SetAux(aux)
	return c.Transaction(ctx, p)
}

// GetSpeedByte asks an Ultra Speed capable drive for its Pokey divisor.
func (c *Controller) GetSpeedByte(ctx context.Context, unit byte) (byte, error) {
	buf := make([]byte, 1)
	p := &sio.Params{
		Device:    sio.DeviceDisk,
		Unit:      unit,
		Command:   sio.CMD_GET_SPEED,
		Direction: sio.DirReceive,
		Timeout:   sectorTimeout,
		Data:      buf,
	}
	if err := c.Transaction(ctx, p); err != nil {
		return 0, err
	}
	return buf[0], nil
}
