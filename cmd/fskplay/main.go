// Command fskplay plays a cassette FSK duration list, either out of a serial
// port by toggling break or into a WAV file.
//
// The input holds whitespace separated durations in units of 100µs; the
// first is a space.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	. "github.com/strickyak/gomar/gu"

	"github.com/strickyak/atarisio/link"
	"github.com/strickyak/atarisio/sio"
	"github.com/strickyak/atarisio/tape"
	"github.com/strickyak/atarisio/util"
)

var WIRE = flag.String("wire", "", "serial device to play on")
var WAV = flag.String("wav", "", "WAV file to write instead of playing")
var RATE = flag.Uint("rate", 44100, "WAV sample rate")
var COARSE = flag.Bool("coarse", false, "millisecond timing instead of spinning")
var SLACK = flag.Duration("slack", 2*time.Millisecond, "how early the precise waiter stops sleeping")
var RESTORE = flag.Uint("restore", sio.StandardBaudrate, "baud rate to leave the port at")
var LOGMAX = flag.Uint64("logmax", 10_000_000, "exit after this many bytes of log output")
var VERBOSE = flag.Int("v", 0, "debug verbosity")

func parseDelays(text string) []uint16 {
	var out []uint16
	for _, w := range strings.Fields(text) {
		out = append(out, uint16(Value(strconv.ParseUint(w, 10, 16))))
	}
	return out
}

func main() {
	log.SetFlags(0)
	flag.Parse()
	util.InstallLimitedLogWriter(*LOGMAX)
	if flag.NArg() != 1 || (*WIRE == "") == (*WAV == "") {
		log.Fatalf("usage: fskplay -wire DEV|-wav FILE [flags] DURATIONS_FILE")
	}
	delays := parseDelays(string(Value(os.ReadFile(flag.Arg(0)))))
	var total time.Duration
	for _, d := range delays {
		total += time.Duration(d) * tape.DelayUnit
	}
	util.Logf("%d edges, %v", len(delays), total)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *WAV != "" {
		AssertLE(*RATE, uint(1<<31))
		w := tape.NewWavLine(uint32(*RATE))
		if err := tape.SendFSK(ctx, w, delays, w); err != nil {
			log.Fatalf("fsk: %v", err)
		}
		f := Value(os.Create(*WAV))
		if err := w.WriteWav(f); err != nil {
			log.Fatalf("%s: %v", *WAV, err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("%s: %v", *WAV, err)
		}
		return
	}

	line, err := link.Open(*WIRE)
	if err != nil {
		log.Fatalf("Cannot open %q: %v", *WIRE, err)
	}
	defer line.Close()
	m, err := tape.Start(line, *RESTORE, sio.TapeBaudrate, *VERBOSE)
	if err != nil {
		log.Fatalf("tape mode: %v", err)
	}

	var waiter tape.Waiter = tape.PreciseWaiter{Slack: *SLACK}
	if *COARSE {
		waiter = tape.CoarseWaiter{}
	}
	start := time.Now()
	err = m.SendFSK(ctx, delays, waiter)
	if e := m.End(); e != nil {
		util.Logf("end tape mode: %v", e)
	}
	if err != nil {
		log.Fatalf("fsk: %v", err)
	}
	util.Logf("played in %v", time.Since(start))
}
