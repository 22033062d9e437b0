package devices

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/host"
	"github.com/strickyak/atarisio/link"
	"github.com/strickyak/atarisio/server"
	"github.com/strickyak/atarisio/sio"
)

// memFile is an in-memory image.
type memFile struct {
	mu  sync.Mutex
	buf []byte
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(p, m.buf[off:]), nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copy(m.buf[off:], p), nil
}

func newMemDisk(t *testing.T, sectors, sectorSize int) (*Disk, *memFile) {
	t.Helper()
	size := ImageSize(sectors, sectorSize)
	m := &memFile{buf: make([]byte, size)}
	for i := range m.buf {
		m.buf[i] = byte(i / 128)
	}
	d, err := NewDisk("mem", m, size, false)
	if err != nil {
		t.Fatal(err)
	}
	return d, m
}

type rig struct {
	mgr  *Manager
	host *host.Controller
	srv  *server.Server
}

// newRig runs a Manager behind a server and gives back a host controller
// wired to it.
func newRig(t *testing.T, setup func(m *Manager)) *rig {
	t.Helper()
	a, b := link.Pipe()
	srv, err := server.New(b, server.Config{CommandLine: link.LineCTS})
	if err != nil {
		t.Fatal(err)
	}
	m := NewManager()
	if setup != nil {
		setup(m)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx, srv) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; errors.Cause(err) != sio.ErrCancelled {
			t.Errorf("Run returned %v", err)
		}
		srv.Close()
	})
	c, err := host.New(a, host.Config{})
	if err != nil {
		t.Fatal(err)
	}
	return &rig{mgr: m, host: c, srv: srv}
}

func diskID(unit byte) byte { return sio.DeviceID(sio.DeviceDisk, unit) }

func TestGeometry(t *testing.T) {
	for _, tc := range []struct {
		size            int64
		sectorSize, num int
	}{
		{92160, 128, 720},
		{133120, 128, 1040},
		{183936, 256, 720},
		{ImageSize(1440, 256), 256, 1440},
		{1280, 128, 10},
	} {
		ss, n, err := Geometry(tc.size)
		if err != nil || ss != tc.sectorSize || n != tc.num {
			t.Errorf("Geometry(%d) = %d, %d, %v", tc.size, ss, n, err)
		}
	}
	if _, _, err := Geometry(1000); errors.Cause(err) != sio.ErrConfig {
		t.Errorf("Geometry(1000): %v", err)
	}
}

func TestDoubleDensityLayout(t *testing.T) {
	d, m := newMemDisk(t, 720, 256)
	for _, tc := range []struct {
		sector int
		off    int64
		n      int
	}{{1, 0, 128}, {3, 256, 128}, {4, 384, 256}, {5, 640, 256}} {
		buf, err := d.ReadSector(tc.sector)
		if err != nil || len(buf) != tc.n || !bytes.Equal(buf, m.buf[tc.off:tc.off+int64(tc.n)]) {
			t.Errorf("sector %d: %d bytes, %v", tc.sector, len(buf), err)
		}
	}
	if _, err := d.ReadSector(721); err == nil {
		t.Error("read past the end")
	}
}

func TestDiskOverSIO(t *testing.T) {
	d, m := newMemDisk(t, 720, 128)
	r := newRig(t, func(mgr *Manager) { mgr.Mount(diskID(1), d) })
	ctx := context.Background()

	buf := make([]byte, 128)
	if err := r.host.ReadSector(ctx, 1, 2, buf); err != nil {
		t.Fatalf("ReadSector: %v", err)
	}
	if !bytes.Equal(buf, m.buf[128:256]) {
		t.Errorf("sector 2 = % x", buf[:4])
	}

	data := bytes.Repeat([]byte{0xEE}, 128)
	if err := r.host.WriteVerifySector(ctx, 1, 720, data); err != nil {
		t.Fatalf("WriteVerifySector: %v", err)
	}
	if !bytes.Equal(m.buf[719*128:], data) {
		t.Error("sector 720 not written")
	}

	if err := r.host.ReadSector(ctx, 1, 721, buf); errors.Cause(err) != sio.ErrCommandNAK {
		t.Errorf("sector 721: %v", err)
	}

	st, err := r.host.GetStatus(ctx, 1)
	if err != nil || st.WriteProtected() || st.DoubleDensity() {
		t.Errorf("status %+v, %v", st, err)
	}

	pc, err := r.host.PercomGet(ctx, 1)
	if err != nil || pc.Sectors() != 720 || pc.SectorSize != 128 {
		t.Errorf("percom %+v, %v", pc, err)
	}
	if err := r.host.PercomPut(ctx, 1, pc); err != nil {
		t.Errorf("PercomPut same geometry: %v", err)
	}
	pc.SectorSize = 256
	if err := r.host.PercomPut(ctx, 1, pc); errors.Cause(err) != sio.ErrCommandComplete {
		t.Errorf("PercomPut other geometry: %v", err)
	}

	if _, err := r.host.GetSpeedByte(ctx, 1); errors.Cause(err) != sio.ErrCommandNAK {
		t.Errorf("GetSpeedByte without ultra: %v", err)
	}

	bad, err := r.host.Format(ctx, 1, 128)
	if err != nil || bad[0] != 0xFF || bad[1] != 0xFF {
		t.Fatalf("Format: % x, %v", bad[:2], err)
	}
	for _, b := range m.buf {
		if b != 0 {
			t.Fatal("image not cleared by format")
		}
	}
	if _, err := r.host.FormatEnhanced(ctx, 1); errors.Cause(err) != sio.ErrCommandNAK {
		t.Errorf("FormatEnhanced on a single density image: %v", err)
	}
}

func TestReadOnlyDisk(t *testing.T) {
	d, m := newMemDisk(t, 720, 128)
	d.ReadOnly = true
	d.UltraDivisor = sio.DivisorHappy
	r := newRig(t, func(mgr *Manager) { mgr.Mount(diskID(2), d) })
	ctx := context.Background()

	before := append([]byte(nil), m.buf[:128]...)
	err := r.host.WriteSector(ctx, 2, 1, make([]byte, 128))
	if errors.Cause(err) != sio.ErrCommandComplete {
		t.Errorf("write to read-only disk: %v", err)
	}
	if !bytes.Equal(m.buf[:128], before) {
		t.Error("read-only image changed")
	}
	st, err := r.host.GetStatus(ctx, 2)
	if err != nil || !st.WriteProtected() {
		t.Errorf("status %+v, %v", st, err)
	}
	div, err := r.host.GetSpeedByte(ctx, 2)
	if err != nil || div != sio.DivisorHappy {
		t.Errorf("GetSpeedByte = %d, %v", div, err)
	}
}

func TestPrinter(t *testing.T) {
	var out bytes.Buffer
	p := &Printer{Out: &out}
	r := newRig(t, func(mgr *Manager) { mgr.Mount(sio.DeviceID(sio.DevicePrinter, 1), p) })

	line := make([]byte, PrinterLineSize)
	copy(line, "HELLO")
	line[5] = atasciiEOL
	params := &sio.Params{
		Device: sio.DevicePrinter, Unit: 1, Command: 'W',
		Direction: sio.DirSend, Data: line,
	}
	if err := r.host.Transaction(context.Background(), params); err != nil {
		t.Fatalf("print: %v", err)
	}
	if out.String() != "HELLO\n" || p.Lines() != 1 {
		t.Errorf("printed %q, %d lines", out.String(), p.Lines())
	}
}

func TestUnmountedDeviceIsSilent(t *testing.T) {
	r := newRig(t, nil)
	_, err := r.host.GetStatus(context.Background(), 3)
	if errors.Cause(err) != sio.ErrCommandTimeout {
		t.Errorf("got %v, want ErrCommandTimeout", err)
	}
}

func TestMountUnmount(t *testing.T) {
	m := NewManager()
	d, _ := newMemDisk(t, 10, 128)
	if err := m.Mount(diskID(1), d); err != nil {
		t.Fatal(err)
	}
	if err := m.Mount(diskID(1), d); errors.Cause(err) != sio.ErrConfig {
		t.Errorf("second mount: %v", err)
	}
	if m.Lookup(diskID(1)) != d {
		t.Error("Lookup")
	}
	if m.Unmount(diskID(1)) != d || m.Lookup(diskID(1)) != nil {
		t.Error("Unmount")
	}
}

func TestOtherWakesManager(t *testing.T) {
	other := make(chan struct{}, 1)
	called := make(chan struct{}, 1)
	newRig(t, func(m *Manager) {
		m.Other = other
		m.OnOther = func() { called <- struct{}{} }
	})
	other <- struct{}{}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("OnOther not called")
	}
}

func TestOpenDisks(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.img")
	b := filepath.Join(dir, "b.img")
	if err := os.WriteFile(a, make([]byte, 92160), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, make([]byte, 183936), 0644); err != nil {
		t.Fatal(err)
	}

	disks, err := OpenDisks(a+",D4:"+b, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(disks) != 2 || disks[1] == nil || disks[4] == nil {
		t.Fatalf("disks %v", disks)
	}
	if disks[1].SectorSize != 128 || disks[4].SectorSize != 256 || disks[4].Sectors != 720 {
		t.Errorf("geometry %d/%d", disks[1].SectorSize, disks[4].SectorSize)
	}

	if _, err := OpenDisks("D1:"+a+",D1:"+b, true); errors.Cause(err) != sio.ErrConfig {
		t.Errorf("duplicate unit: %v", err)
	}
	if _, err := OpenDisks(filepath.Join(dir, "missing.img"), true); err == nil {
		t.Error("missing file opened")
	}
}
