// Command atariserver emulates SIO disk drives and a printer for an Atari
// connected through a serial port.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-echarts/statsview"
	"github.com/go-echarts/statsview/viewer"
	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/devices"
	"github.com/strickyak/atarisio/link"
	"github.com/strickyak/atarisio/server"
	"github.com/strickyak/atarisio/sio"
	"github.com/strickyak/atarisio/util"
)

var WIRE = flag.String("wire", "/dev/ttyUSB0", "serial device the SIO cable is on")
var LINE = flag.String("line", "ri", "modem line carrying the command signal: ri, dsr, cts or none")
var BAUD = flag.Uint("baud", sio.StandardBaudrate, "standard baud rate")
var HIGHBAUD = flag.Uint("highbaud", 0, "highspeed baud rate, 0 for none")
var ULTRA = flag.Uint("ultra", 0, "Pokey divisor for Ultra Speed, sets -highbaud from the UART clock")
var AUTOBAUD = flag.Bool("autobaud", false, "follow the Atari between standard and highspeed")
var PAUSE = flag.Duration("pause", 0, "extra delay before replies at highspeed")
var SLOW = flag.Bool("slow", false, "XF551 compatible COMPLETE delay for every command")
var DISKS = flag.String("disks", "", "comma separated disk images, D<n>:path or plain paths in drive order")
var READONLY = flag.Bool("ro", false, "mount all disk images read-only")
var PRINTER = flag.String("printer", "", "file to append P1: output to, - for stdout")
var STATSVIEW = flag.String("statsview", "", "address to serve runtime charts on, e.g. localhost:12600")
var LOGMAX = flag.Uint64("logmax", 100_000_000, "exit after this many bytes of log output")
var VERBOSE = flag.Int("v", 0, "debug verbosity")

func main() {
	log.SetFlags(log.Lmicroseconds)
	flag.Parse()
	llw := util.InstallLimitedLogWriter(*LOGMAX)

	cmdLine, err := link.ParseCommandLine(*LINE)
	if err != nil {
		log.Fatalf("-line: %v", err)
	}
	line, err := link.Open(*WIRE)
	if err != nil {
		log.Fatalf("Cannot open %q: %v", *WIRE, err)
	}
	defer line.Close()

	srv, err := server.New(line, server.Config{
		CommandLine:    cmdLine,
		StandardBaud:   *BAUD,
		HighspeedBaud:  *HIGHBAUD,
		Autobaud:       *AUTOBAUD,
		HighspeedPause: *PAUSE,
		SlowComplete:   *SLOW,
		Debug:          *VERBOSE,
	})
	if err != nil {
		log.Fatalf("Cannot start server: %v", err)
	}
	defer srv.Close()

	if *ULTRA != 0 {
		baud, err := srv.BaudForDivisor(*ULTRA)
		if err != nil {
			log.Fatalf("-ultra %d: %v", *ULTRA, err)
		}
		if err := srv.SetHighspeedBaudrate(baud); err != nil {
			log.Fatalf("-ultra %d: %v", *ULTRA, err)
		}
		util.Logf("Ultra Speed divisor %d is %d baud", *ULTRA, baud)
	}

	mgr := devices.NewManager()
	mgr.Debug = *VERBOSE
	disks, err := devices.OpenDisks(*DISKS, *READONLY)
	if err != nil {
		log.Fatalf("-disks: %v", err)
	}
	for unit, d := range disks {
		d.UltraDivisor = byte(*ULTRA)
		if err := mgr.Mount(sio.DeviceID(sio.DeviceDisk, unit), d); err != nil {
			log.Fatalf("D%d: %v", unit, err)
		}
	}
	if *PRINTER != "" {
		out := os.Stdout
		if *PRINTER != "-" {
			out, err = os.OpenFile(*PRINTER, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				log.Fatalf("-printer: %v", err)
			}
			defer out.Close()
		}
		if err := mgr.Mount(sio.DeviceID(sio.DevicePrinter, 1), &devices.Printer{Out: out}); err != nil {
			log.Fatalf("P1: %v", err)
		}
	}

	if *STATSVIEW != "" {
		go func() {
			viewer.SetConfiguration(viewer.WithAddr(*STATSVIEW))
			statsview.New().Start()
		}()
		util.Logf("stats server available at http://%s/debug/statsview", *STATSVIEW)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kb, err := NewKeyboard()
	if err != nil {
		util.Logf("No keyboard commands: %v", err)
	} else {
		defer kb.Close()
		llw.Out = crlfWriter{os.Stderr}
		mgr.Other = kb.Ready
		mgr.OnOther = func() {
			for {
				key, ok := kb.TryInkey()
				if !ok {
					return
				}
				doKey(key, srv, line, stop)
			}
		}
		util.Logf("Keys: q quit, s stats, a toggle autobaud, t timestamps")
	}

	err = mgr.Run(ctx, srv)
	if err != nil && errors.Cause(err) != sio.ErrCancelled {
		util.Logf("Stopped: %v", err)
	}
	st := srv.Stats()
	util.Logf("%d frames, %d bad, %d baud switches, %d missed", st.Frames, st.Errors, st.Switches, st.Missed)
}

func doKey(key byte, srv *server.Server, line *link.Serial, stop func()) {
	switch key {
	case 'q', 'Q', 3:
		stop()
	case 's', 'S':
		st := srv.Stats()
		util.Logf("%d frames, %d bad, %d baud switches, %d missed; %d baud (exact %d)",
			st.Frames, st.Errors, st.Switches, st.Missed, srv.Baudrate(), srv.ExactBaudrate())
		if n, err := line.OutQueue(); err == nil && n > 0 {
			util.Logf("%d bytes waiting in the UART", n)
		}
		ts := srv.LastTimestamps()
		if ts.Leave != 0 {
			util.Logf("last call: tx %v..%v drained %v leave %v",
				ts.FirstSend-ts.Enter, ts.TxEnd-ts.Enter, ts.Drained-ts.Enter, ts.Leave-ts.Enter)
		}
	case 'a', 'A':
		*AUTOBAUD = !*AUTOBAUD
		srv.SetAutobaud(*AUTOBAUD)
		util.Logf("Autobaud %v", *AUTOBAUD)
	case 't', 'T':
		srv.EnableTimestamps(true)
		util.Logf("Timestamps on")
	}
}
