package link

import (
	"io"
	"os"
	"sync"
	"time"
	"unsafe"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"

	"github.com/strickyak/atarisio/sio"
)

// Serial is a tty opened for SIO. Reads are non-blocking at the termios
// level (VMIN=0, VTIME=0); WaitReadable does the waiting with poll(2).
type Serial struct {
	name string
	port io.ReadWriteCloser
	fd   int

	mu   sync.Mutex
	baud uint
	base uint
}

// Open opens the tty at the standard rate in raw 8N1 mode.
func Open(name string) (*Serial, error) {
	options := serial.OpenOptions{
		PortName:        name,
		BaudRate:        sio.StandardBaudrate,
		DataBits:        8,
		StopBits:        1,
		ParityMode:      serial.PARITY_NONE,
		MinimumReadSize: 1,
	}
	port, err := serial.Open(options)
	if err != nil {
		return nil, errors.Wrapf(err, "serial.Open %q", name)
	}
	f, ok := port.(*os.File)
	if !ok {
		port.Close()
		return nil, errors.Errorf("serial.Open %q: not a file (%T)", name, port)
	}
	s := &Serial{
		name: name,
		port: port,
		fd:   int(f.Fd()),
		baud: sio.StandardBaudrate,
	}
	if err := s.rawMode(); err != nil {
		port.Close()
		return nil, err
	}
	s.base = s.queryBaudBase()
	if _, err := s.SetBaudrate(sio.StandardBaudrate); err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

func (s *Serial) rawMode() error {
	t, err := unix.IoctlGetTermios(s.fd, unix.TCGETS2)
	if err != nil {
		return errors.Wrapf(err, "TCGETS2 %q", s.name)
	}
	// Breaks are counted by the driver; they must not show up as bytes.
	t.Iflag |= unix.IGNBRK
	t.Iflag &^= unix.BRKINT | unix.ICRNL | unix.INLCR | unix.IXON | unix.IXOFF | unix.ISTRIP
	t.Cflag |= unix.CLOCAL | unix.CREAD
	t.Cflag &^= unix.CRTSCTS
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0
	return errors.Wrapf(unix.IoctlSetTermios(s.fd, unix.TCSETS2, t), "TCSETS2 %q", s.name)
}

// serialStruct is the kernel's struct serial_struct; only BaudBase is used.
type serialStruct struct {
	Type          int32
	Line          int32
	Port          uint32
	Irq           int32
	Flags         int32
	XmitFifoSize  int32
	CustomDivisor int32
	BaudBase      int32
	CloseDelay    uint16
	IoType        byte
	ReservedChar  byte
	Hub6          int32
	ClosingWait   uint16
	ClosingWait2  uint16
	IomemBase     uintptr
	IomemRegShift uint16
	PortHigh      uint32
	IomapBase     uintptr
}

func (s *Serial) queryBaudBase() uint {
	var ss serialStruct
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), unix.TIOCGSERIAL, uintptr(unsafe.Pointer(&ss)))
	if errno != 0 || ss.BaudBase <= 0 {
		// USB adapters often don't say.
		return 0
	}
	return uint(ss.BaudBase)
}

func (s *Serial) Read(p []byte) (int, error) {
	n, err := unix.Read(s.fd, p)
	if err == unix.EAGAIN || err == unix.EINTR {
		return 0, nil
	}
	if n < 0 {
		n = 0
	}
	return n, errors.Wrapf(err, "read %q", s.name)
}

func (s *Serial) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := unix.Write(s.fd, p[total:])
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return total, errors.Wrapf(err, "write %q", s.name)
		}
		total += n
	}
	return total, nil
}

func (s *Serial) WaitReadable(timeout time.Duration) (bool, error) {
	ms := int((timeout + time.Millisecond - 1) / time.Millisecond)
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, ms)
	if err == unix.EINTR {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "poll %q", s.name)
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

func (s *Serial) ModemStatus() (ModemStatus, error) {
	bits, err := termios.Tiocmget(uintptr(s.fd))
	if err != nil {
		return 0, errors.Wrapf(err, "TIOCMGET %q", s.name)
	}
	var st ModemStatus
	if bits&unix.TIOCM_CTS != 0 {
		st |= StatusCTS
	}
	if bits&unix.TIOCM_DSR != 0 {
		st |= StatusDSR
	}
	if bits&unix.TIOCM_RI != 0 {
		st |= StatusRI
	}
	if bits&unix.TIOCM_CD != 0 {
		st |= StatusDCD
	}
	return st, nil
}

func (s *Serial) setModemBit(bit int, on bool) error {
	if on {
		return errors.Wrapf(termios.Tiocmbis(uintptr(s.fd), bit), "TIOCMBIS %q", s.name)
	}
	return errors.Wrapf(termios.Tiocmbic(uintptr(s.fd), bit), "TIOCMBIC %q", s.name)
}

func (s *Serial) SetRTS(on bool) error { return s.setModemBit(unix.TIOCM_RTS, on) }
func (s *Serial) SetDTR(on bool) error { return s.setModemBit(unix.TIOCM_DTR, on) }

func (s *Serial) SetBreak(on bool) error {
	req := uint(unix.TIOCCBRK)
	if on {
		req = unix.TIOCSBRK
	}
	return errors.Wrapf(unix.IoctlSetInt(s.fd, req, 0), "break %q", s.name)
}

// SetBaudrate uses termios2 with BOTHER so any rate can be asked for, then
// reads back what the driver actually chose.
func (s *Serial) SetBaudrate(baud uint) (uint, error) {
	if baud == 0 {
		return 0, errors.Wrap(sio.ErrConfig, "baud rate 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := unix.IoctlGetTermios(s.fd, unix.TCGETS2)
	if err != nil {
		return 0, errors.Wrapf(err, "TCGETS2 %q", s.name)
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= unix.BOTHER
	t.Ispeed = uint32(baud)
	t.Ospeed = uint32(baud)
	if err := unix.IoctlSetTermios(s.fd, unix.TCSETS2, t); err != nil {
		return 0, errors.Wrapf(err, "TCSETS2 %q baud %d", s.name, baud)
	}
	got, err := unix.IoctlGetTermios(s.fd, unix.TCGETS2)
	if err != nil {
		return 0, errors.Wrapf(err, "TCGETS2 %q", s.name)
	}
	s.baud = uint(got.Ospeed)
	if s.baud == 0 {
		s.baud = baud
	}
	return s.baud, nil
}

func (s *Serial) BaudBase() uint { return s.base }

func (s *Serial) Flush() error {
	return errors.Wrapf(termios.Tcflush(uintptr(s.fd), uintptr(unix.TCIOFLUSH)), "flush %q", s.name)
}

func (s *Serial) Drain() error {
	return errors.Wrapf(termios.Tcdrain(uintptr(s.fd)), "drain %q", s.name)
}

// OutQueue is the number of bytes still waiting in the driver.
func (s *Serial) OutQueue() (int, error) {
	n, err := termios.Tiocoutq(uintptr(s.fd))
	return n, errors.Wrapf(err, "TIOCOUTQ %q", s.name)
}

// icounter is the kernel's struct serial_icounter_struct.
type icounter struct {
	CTS, DSR, RNG, DCD int32
	Rx, Tx             int32
	Frame, Overrun     int32
	Parity, Brk        int32
	BufOverrun         int32
	Reserved           [9]int32
}

func (s *Serial) Counters() (Counters, bool, error) {
	var ic icounter
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(s.fd), unix.TIOCGICOUNT, uintptr(unsafe.Pointer(&ic)))
	if errno == unix.ENOTTY || errno == unix.EINVAL {
		return Counters{}, false, nil
	}
	if errno != 0 {
		return Counters{}, false, errors.Wrapf(errno, "TIOCGICOUNT %q", s.name)
	}
	return Counters{
		CTS: uint32(ic.CTS), DSR: uint32(ic.DSR), RNG: uint32(ic.RNG), DCD: uint32(ic.DCD),
		Rx: uint32(ic.Rx), Tx: uint32(ic.Tx),
		Frame: uint32(ic.Frame), Overrun: uint32(ic.Overrun), Parity: uint32(ic.Parity),
		Brk: uint32(ic.Brk), BufOverrun: uint32(ic.BufOverrun),
	}, true, nil
}

func (s *Serial) Close() error {
	return s.port.Close()
}

var _ Line = (*Serial)(nil)
