package server

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/link"
	"github.com/strickyak/atarisio/sio"
)

// atari is the test's side of the cable, asserting the command line with
// RTS so the server sees it on CTS.
type atari struct {
	t    *testing.T
	end  *link.PipeEnd
	line link.CommandLine
}

func newTestServer(t *testing.T, cfg Config) (*Server, *atari, *link.PipeEnd) {
	t.Helper()
	a, b := link.Pipe()
	srv, err := New(b, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv, &atari{t: t, end: a, line: cfg.CommandLine}, b
}

// sendFrame returns the time just before the command line was released, or
// after the write without a line.
func (a *atari) sendFrame(frame [sio.CommandFrameSize]byte) time.Time {
	a.t.Helper()
	if a.line != link.LineNone {
		a.end.SetRTS(true)
		time.Sleep(sio.DelayT0)
	}
	if _, err := a.end.Write(frame[:]); err != nil {
		a.t.Fatalf("write frame: %v", err)
	}
	if a.line == link.LineNone {
		return time.Now()
	}
	time.Sleep(sio.DelayT1)
	released := time.Now()
	a.end.SetRTS(false)
	return released
}

// arrival reads n bytes in the background and reports when they came in.
// The channel is closed if they never do.
func (a *atari) arrival(n int) <-chan time.Time {
	ch := make(chan time.Time, 1)
	go func() {
		buf := make([]byte, n)
		if _, err := link.ReadFull(context.Background(), a.end, buf, time.Second); err != nil {
			close(ch)
			return
		}
		ch <- time.Now()
	}()
	return ch
}

func arrived(t *testing.T, ch <-chan time.Time) time.Time {
	t.Helper()
	at, ok := <-ch
	if !ok {
		t.Fatal("nothing arrived")
	}
	return at
}

func atLeast(t *testing.T, what string, from, to time.Time, floor time.Duration) {
	t.Helper()
	if d := to.Sub(from); d < floor {
		t.Errorf("%s after %v, floor is %v", what, d, floor)
	}
}

func (a *atari) expect(want []byte) {
	a.t.Helper()
	got := make([]byte, len(want))
	n, err := link.ReadFull(context.Background(), a.end, got, time.Second)
	if err != nil {
		a.t.Fatalf("atari read: got % x (%d), %v", got[:n], n, err)
	}
	if !bytes.Equal(got, want) {
		a.t.Fatalf("atari got % x, want % x", got, want)
	}
}

func readSector1() [sio.CommandFrameSize]byte {
	return sio.NewCommandFrame(sio.DeviceDisk, 1, sio.CMD_READ_SECTOR, 1, 0).Bytes()
}

func nextFrame(t *testing.T, srv *Server) *sio.CommandFrame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	f, err := srv.NextCommandFrame(ctx)
	if err != nil {
		t.Fatalf("NextCommandFrame: %v", err)
	}
	return f
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestReceivesCommandFrame(t *testing.T) {
	for _, line := range []link.CommandLine{link.LineCTS, link.LineNone} {
		t.Run(line.String(), func(t *testing.T) {
			srv, a, _ := newTestServer(t, Config{CommandLine: line})
			if line == link.LineNone {
				time.Sleep(2 * sio.IdleDebounce)
			}
			a.sendFrame(readSector1())
			f := nextFrame(t, srv)
			if f.Device != 0x31 || f.Command != sio.CMD_READ_SECTOR || f.Aux() != 1 || !f.Valid() {
				t.Errorf("frame %v", f)
			}
			if f.Serial != 1 || f.Missed != 0 {
				t.Errorf("serial %d missed %d", f.Serial, f.Missed)
			}
		})
	}
}

func TestReadSectorHandshake(t *testing.T) {
	srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
	a.sendFrame(readSector1())
	f := nextFrame(t, srv)

	ctx := context.Background()
	if err := srv.SendCommandACK(ctx, f); err != nil {
		t.Fatalf("SendCommandACK: %v", err)
	}
	sector := bytes.Repeat([]byte{0xA5, 0x5A}, 64)
	if err := srv.SendCompleteAndData(ctx, f, sector); err != nil {
		t.Fatalf("SendCompleteAndData: %v", err)
	}
	want := append([]byte{sio.ACK, sio.COMPLETE}, sector...)
	want = append(want, sio.Checksum(sector))
	a.expect(want)
}

func TestWriteSectorHandshake(t *testing.T) {
	srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
	a.sendFrame(sio.NewCommandFrame(sio.DeviceDisk, 1, sio.CMD_PUT_SECTOR, 3, 0).Bytes())
	f := nextFrame(t, srv)
	ctx := context.Background()
	if err := srv.SendCommandACK(ctx, f); err != nil {
		t.Fatal(err)
	}
	a.expect([]byte{sio.ACK})

	sector := make([]byte, 128)
	for i := range sector {
		sector[i] = byte(i)
	}
	a.end.Write(append(append([]byte(nil), sector...), sio.Checksum(sector)))

	start := time.Now()
	got, err := srv.ReceiveDataFrame(ctx, f, len(sector))
	if err != nil {
		t.Fatalf("ReceiveDataFrame: %v", err)
	}
	if !bytes.Equal(got, sector) {
		t.Errorf("received % x", got)
	}
	if err := srv.SendDataACK(ctx, f); err != nil {
		t.Fatal(err)
	}
	if el := time.Since(start); el < sio.DelayDataACK {
		t.Errorf("data ACK after %v, floor is %v", el, sio.DelayDataACK)
	}
	if err := srv.SendComplete(ctx, f); err != nil {
		t.Fatal(err)
	}
	a.expect([]byte{sio.ACK, sio.COMPLETE})
}

func TestReceiveDataChecksumError(t *testing.T) {
	srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
	a.sendFrame(sio.NewCommandFrame(sio.DeviceDisk, 1, sio.CMD_WRITE_SECTOR, 3, 0).Bytes())
	f := nextFrame(t, srv)

	data := []byte{1, 2, 3, 4}
	a.end.Write(append(append([]byte(nil), data...), sio.Checksum(data)+1))
	got, err := srv.ReceiveDataFrame(context.Background(), f, len(data))
	if errors.Cause(err) != sio.ErrChecksum {
		t.Fatalf("err = %v, want checksum error", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("payload not delivered with checksum error: % x", got)
	}
}

func TestReceiveTimeout(t *testing.T) {
	srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
	a.sendFrame(readSector1())
	f := nextFrame(t, srv)

	start := time.Now()
	_, err := srv.ReceiveDataFrame(context.Background(), f, 128)
	if errors.Cause(err) != sio.ErrCommandTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
	want := sio.Timeout(129, sio.StandardBaudrate, sio.RxHeadroom)
	if el := time.Since(start); el < want {
		t.Errorf("gave up after %v, want at least %v", el, want)
	}
}

func TestStaleFrameIsNeverAnswered(t *testing.T) {
	srv, a, srvEnd := newTestServer(t, Config{CommandLine: link.LineCTS})
	a.sendFrame(readSector1())
	old := nextFrame(t, srv)

	a.sendFrame(sio.NewCommandFrame(sio.DeviceDisk, 1, sio.CMD_STATUS, 0, 0).Bytes())
	eventually(t, "newer frame", func() bool { return srv.IsStale(old) })

	ctx := context.Background()
	for name, send := range map[string]func() error{
		"ack":      func() error { return srv.SendCommandACK(ctx, old) },
		"complete": func() error { return srv.SendComplete(ctx, old) },
		"data":     func() error { return srv.SendDataFrame(ctx, old, make([]byte, 128)) },
	} {
		if err := send(); errors.Cause(err) != sio.ErrCommandTimeout {
			t.Errorf("%s on stale frame: %v", name, err)
		}
	}
	if _, err := srv.ReceiveDataFrame(ctx, old, 4); errors.Cause(err) != sio.ErrCommandTimeout {
		t.Errorf("receive on stale frame: %v", err)
	}
	if sent := srvEnd.Sent(); len(sent) != 0 {
		t.Errorf("bytes went out for a stale frame: % x", sent)
	}

	f := nextFrame(t, srv)
	if f.Command != sio.CMD_STATUS || f.Serial != old.Serial+1 {
		t.Errorf("current frame %v", f)
	}
}

func TestMissedFrames(t *testing.T) {
	srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
	a.sendFrame(readSector1())
	eventually(t, "first frame", func() bool { return srv.Stats().Frames == 1 })
	a.sendFrame(readSector1())
	eventually(t, "second frame", func() bool { return srv.Stats().Frames == 2 })

	f, err := srv.GetCommandFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.Serial != 2 || f.Missed != 1 {
		t.Errorf("serial %d missed %d", f.Serial, f.Missed)
	}
	if _, err := srv.GetCommandFrame(); err != sio.ErrNoFrame {
		t.Errorf("second Get: %v", err)
	}
}

func TestWaitCommandFrameMultiplexing(t *testing.T) {
	srv, _, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
	ctx := context.Background()

	res, err := srv.WaitCommandFrame(ctx, 20*time.Millisecond, nil)
	if err != nil || res != WaitTimeout {
		t.Errorf("idle wait = %v, %v", res, err)
	}

	other := make(chan struct{}, 1)
	other <- struct{}{}
	res, err = srv.WaitCommandFrame(ctx, time.Second, other)
	if err != nil || res != OtherReady {
		t.Errorf("other wait = %v, %v", res, err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := srv.WaitCommandFrame(cctx, time.Second, nil); errors.Cause(err) != sio.ErrCancelled {
		t.Errorf("cancelled wait: %v", err)
	}
}

func TestCancelDuringReceive(t *testing.T) {
	srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
	a.sendFrame(readSector1())
	f := nextFrame(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	a.end.Write([]byte{1, 2, 3})
	_, err := srv.ReceiveDataFrame(ctx, f, 128)
	if errors.Cause(err) != sio.ErrCancelled {
		t.Fatalf("err = %v, want cancelled", err)
	}
	srv.mu.Lock()
	n := srv.rx.Len()
	srv.mu.Unlock()
	if n != 0 {
		t.Errorf("rx ring holds %d bytes after cancel", n)
	}
}

func TestAutobaudFollowsAtari(t *testing.T) {
	srv, a, _ := newTestServer(t, Config{
		CommandLine:   link.LineCTS,
		HighspeedBaud: sio.HighspeedBaudrate,
		Autobaud:      true,
	})
	a.end.SetBaudrate(sio.HighspeedBaudrate)

	// The first attempt arrives as garbage and makes the server switch.
	a.sendFrame(readSector1())
	eventually(t, "baud switch", func() bool { return srv.Baudrate() == sio.HighspeedBaudrate })
	if srv.ExactBaudrate() != sio.HighspeedBaudrate {
		t.Errorf("exact baud %d", srv.ExactBaudrate())
	}

	// The Atari gives up waiting for an ACK, then retries at the same speed
	// and is understood.
	time.Sleep(sio.CommandACKTimeout)
	a.sendFrame(readSector1())
	f := nextFrame(t, srv)
	if f.Command != sio.CMD_READ_SECTOR {
		t.Errorf("frame %v", f)
	}
	if st := srv.Stats(); st.Switches != 1 || st.Errors != 1 {
		t.Errorf("stats %+v", st)
	}
}

func TestNoSwitchWithoutAutobaud(t *testing.T) {
	srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS, HighspeedBaud: sio.HighspeedBaudrate})
	a.end.SetBaudrate(sio.HighspeedBaudrate)
	a.sendFrame(readSector1())
	eventually(t, "frame error", func() bool { return srv.Stats().Errors == 1 })
	if srv.Baudrate() != sio.StandardBaudrate {
		t.Errorf("switched to %d with autobaud off", srv.Baudrate())
	}
}

func TestBadChecksumWithoutCountersIsSoft(t *testing.T) {
	srv, a, srvEnd := newTestServer(t, Config{
		CommandLine:   link.LineCTS,
		HighspeedBaud: sio.HighspeedBaudrate,
		Autobaud:      true,
	})
	srvEnd.DisableCounters()
	frame := readSector1()
	frame[4]++
	a.sendFrame(frame)
	eventually(t, "frame error", func() bool { return srv.Stats().Errors == 1 })
	if srv.Baudrate() != sio.StandardBaudrate {
		t.Errorf("soft error switched baud")
	}
}

func TestLineNoneDataPhase(t *testing.T) {
	srv, a, _ := newTestServer(t, Config{CommandLine: link.LineNone})
	time.Sleep(2 * sio.IdleDebounce)
	a.sendFrame(sio.NewCommandFrame(sio.DeviceDisk, 1, sio.CMD_PUT_SECTOR, 9, 0).Bytes())
	f := nextFrame(t, srv)

	ctx := context.Background()
	srv.SendCommandACK(ctx, f)
	a.expect([]byte{sio.ACK})
	data := bytes.Repeat([]byte{0x9B}, 128)
	a.end.Write(append(append([]byte(nil), data...), sio.Checksum(data)))
	got, err := srv.ReceiveDataFrame(ctx, f, 128)
	if err != nil || !bytes.Equal(got, data) {
		t.Fatalf("ReceiveDataFrame: % x, %v", got, err)
	}
}

func TestTimestamps(t *testing.T) {
	srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
	srv.EnableTimestamps(true)
	a.sendFrame(readSector1())
	f := nextFrame(t, srv)
	if err := srv.SendCommandACK(context.Background(), f); err != nil {
		t.Fatal(err)
	}
	ts := srv.LastTimestamps()
	order := []time.Duration{ts.Enter, ts.TxStart, ts.FirstSend, ts.TxEnd, ts.Drained, ts.Leave}
	for i, d := range order {
		if d == 0 {
			t.Errorf("point %d not recorded: %+v", i, ts)
		}
		if i > 0 && d < order[i-1] {
			t.Errorf("point %d before point %d: %+v", i, i-1, ts)
		}
	}
}

func TestBaudConfig(t *testing.T) {
	srv, _, srvEnd := newTestServer(t, Config{CommandLine: link.LineCTS})

	if err := srv.SetStandardBaudrate(0); errors.Cause(err) != sio.ErrConfig {
		t.Errorf("SetStandardBaudrate(0): %v", err)
	}
	if err := srv.SetStandardBaudrate(sio.Baudrate2x); err != nil {
		t.Fatal(err)
	}
	if srv.Baudrate() != sio.Baudrate2x || srvEnd.Baudrate() != sio.Baudrate2x {
		t.Errorf("standard rate not applied: %d / %d", srv.Baudrate(), srvEnd.Baudrate())
	}
	if err := srv.SetBaudrate(sio.Baudrate3x); err != nil {
		t.Fatal(err)
	}
	if srv.ExactBaudrate() != sio.Baudrate3x {
		t.Errorf("exact %d", srv.ExactBaudrate())
	}

	baud, err := srv.BaudForDivisor(sio.DivisorTurbo)
	if err != nil || baud != 70892 {
		t.Errorf("BaudForDivisor(turbo) = %d, %v", baud, err)
	}
	if baud, err := srv.BaudForDivisor(sio.DivisorStandard); err != nil || baud != sio.StandardBaudrate {
		t.Errorf("BaudForDivisor(40) = %d, %v", baud, err)
	}
}

func TestFrameRightAfterStartAndPublish(t *testing.T) {
	for _, counters := range []bool{true, false} {
		name := "counters"
		if !counters {
			name = "nocounters"
		}
		t.Run(name, func(t *testing.T) {
			a, b := link.Pipe()
			if !counters {
				b.DisableCounters()
			}
			srv, err := New(b, Config{CommandLine: link.LineCTS})
			if err != nil {
				t.Fatal(err)
			}
			defer srv.Close()
			at := &atari{t: t, end: a, line: link.LineCTS}

			// No pause after New: the monitor may first look at the line
			// while it is already asserted.
			at.sendFrame(readSector1())
			f := nextFrame(t, srv)
			if f.Serial != 1 {
				t.Errorf("first frame serial %d", f.Serial)
			}

			at.sendFrame(sio.NewCommandFrame(sio.DeviceDisk, 2, sio.CMD_STATUS, 0, 0).Bytes())
			f = nextFrame(t, srv)
			if f.Serial != 2 || f.Command != sio.CMD_STATUS || f.Unit(sio.DeviceDisk) != 2 {
				t.Errorf("second frame %v serial %d", f, f.Serial)
			}
			if st := srv.Stats(); st.Errors != 0 {
				t.Errorf("stats %+v", st)
			}
		})
	}
}

func TestFrameAfterBadFrame(t *testing.T) {
	srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
	bad := readSector1()
	bad[4]++
	a.sendFrame(bad)
	eventually(t, "frame error", func() bool { return srv.Stats().Errors == 1 })
	a.sendFrame(readSector1())
	if f := nextFrame(t, srv); f.Command != sio.CMD_READ_SECTOR {
		t.Errorf("frame %v", f)
	}
}

func TestHandshakeFloors(t *testing.T) {
	ctx := context.Background()

	t.Run("command ack", func(t *testing.T) {
		srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
		released := a.sendFrame(readSector1())
		f := nextFrame(t, srv)
		ack := a.arrival(1)
		if err := srv.SendCommandACK(ctx, f); err != nil {
			t.Fatal(err)
		}
		atLeast(t, "command ACK", released, arrived(t, ack), sio.DelayCommandACK)
	})

	t.Run("command nak", func(t *testing.T) {
		srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
		released := a.sendFrame(readSector1())
		f := nextFrame(t, srv)
		nak := a.arrival(1)
		if err := srv.SendCommandNAK(ctx, f); err != nil {
			t.Fatal(err)
		}
		atLeast(t, "command NAK", released, arrived(t, nak), sio.DelayCommandACK)
	})

	t.Run("data ack and complete", func(t *testing.T) {
		srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS})
		a.sendFrame(sio.NewCommandFrame(sio.DeviceDisk, 1, sio.CMD_PUT_SECTOR, 5, 0).Bytes())
		f := nextFrame(t, srv)
		if err := srv.SendCommandACK(ctx, f); err != nil {
			t.Fatal(err)
		}
		a.expect([]byte{sio.ACK})

		data := bytes.Repeat([]byte{0x11}, 128)
		written := time.Now()
		a.end.Write(append(append([]byte(nil), data...), sio.Checksum(data)))
		if _, err := srv.ReceiveDataFrame(ctx, f, len(data)); err != nil {
			t.Fatal(err)
		}
		ack := a.arrival(1)
		if err := srv.SendDataACK(ctx, f); err != nil {
			t.Fatal(err)
		}
		ackAt := arrived(t, ack)
		atLeast(t, "data ACK", written, ackAt, sio.DelayDataACK)

		complete := a.arrival(1)
		if err := srv.SendComplete(ctx, f); err != nil {
			t.Fatal(err)
		}
		atLeast(t, "COMPLETE", ackAt, arrived(t, complete), sio.DelayComplete)
	})

	for _, tc := range []struct {
		name string
		cfg  Config
		send func(s *Server, f *sio.CommandFrame) error
	}{
		{"slow complete", Config{SlowComplete: true}, func(s *Server, f *sio.CommandFrame) error { return s.SendComplete(ctx, f) }},
		{"slow error", Config{SlowComplete: true}, func(s *Server, f *sio.CommandFrame) error { return s.SendError(ctx, f) }},
		{"xf complete", Config{}, func(s *Server, f *sio.CommandFrame) error { return s.SendCompleteXF(ctx, f) }},
		{"xf error", Config{}, func(s *Server, f *sio.CommandFrame) error { return s.SendErrorXF(ctx, f) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.CommandLine = link.LineCTS
			srv, a, _ := newTestServer(t, tc.cfg)
			a.sendFrame(readSector1())
			f := nextFrame(t, srv)
			ack := a.arrival(1)
			if err := srv.SendCommandACK(ctx, f); err != nil {
				t.Fatal(err)
			}
			ackAt := arrived(t, ack)
			reply := a.arrival(1)
			if err := tc.send(srv, f); err != nil {
				t.Fatal(err)
			}
			atLeast(t, tc.name, ackAt, arrived(t, reply), sio.DelayCompleteSlow)
		})
	}

	t.Run("highspeed pause", func(t *testing.T) {
		const pause = 5 * time.Millisecond
		srv, a, _ := newTestServer(t, Config{CommandLine: link.LineCTS, HighspeedBaud: sio.HighspeedBaudrate})
		srv.SetHighspeedPause(pause)
		if err := srv.SetBaudrate(sio.HighspeedBaudrate); err != nil {
			t.Fatal(err)
		}
		a.end.SetBaudrate(sio.HighspeedBaudrate)
		released := a.sendFrame(readSector1())
		f := nextFrame(t, srv)
		ack := a.arrival(1)
		if err := srv.SendCommandACK(ctx, f); err != nil {
			t.Fatal(err)
		}
		ackAt := arrived(t, ack)
		atLeast(t, "command ACK at highspeed", released, ackAt, sio.DelayCommandACK+pause)

		complete := a.arrival(1)
		if err := srv.SendComplete(ctx, f); err != nil {
			t.Fatal(err)
		}
		atLeast(t, "COMPLETE at highspeed", ackAt, arrived(t, complete), sio.DelayComplete+pause)
	})
}

func TestRawFrames(t *testing.T) {
	srv, a, srvEnd := newTestServer(t, Config{CommandLine: link.LineCTS})
	a.sendFrame(sio.NewCommandFrame(sio.DeviceRS232, 1, 'X', 0, 0).Bytes())
	f := nextFrame(t, srv)
	ctx := context.Background()

	a.end.Write([]byte{0xDE, 0xAD, 0xBE})
	got, err := srv.ReceiveRawFrame(ctx, f, 3)
	if err != nil || !bytes.Equal(got, []byte{0xDE, 0xAD, 0xBE}) {
		t.Fatalf("ReceiveRawFrame: % x, %v", got, err)
	}

	if err := srv.SendRawFrame(ctx, f, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	a.expect([]byte{1, 2})
	if sent := srvEnd.Sent(); !bytes.Equal(sent, []byte{1, 2}) {
		t.Errorf("sent % x, want no checksum", sent)
	}
}
