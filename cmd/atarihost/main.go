// Command atarihost talks to a real Atari disk drive through a serial port,
// with the PC in the computer's place.
//
//	atarihost [flags] status
//	atarihost [flags] read SECTOR
//	atarihost [flags] write SECTOR FILE
//	atarihost [flags] dump FILE
//	atarihost [flags] format
//	atarihost [flags] percom
//	atarihost [flags] speed
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
	. "github.com/strickyak/gomar/gu"

	"github.com/strickyak/atarisio/host"
	"github.com/strickyak/atarisio/link"
	"github.com/strickyak/atarisio/sio"
	"github.com/strickyak/atarisio/util"
)

var WIRE = flag.String("wire", "/dev/ttyUSB0", "serial device the SIO cable is on")
var CABLE = flag.String("cable", "a", "cable type: a (command on RTS) or b (command on DTR)")
var UNIT = flag.Uint("unit", 1, "drive number")
var MODE = flag.String("mode", "normal", "highspeed mode: normal, ultra, turbo, warp or xf551")
var HIGHBAUD = flag.Uint("highbaud", sio.HighspeedBaudrate, "baud rate for highspeed modes")
var SECTOR = flag.Int("sector", 128, "sector size")
var LOGMAX = flag.Uint64("logmax", 10_000_000, "exit after this many bytes of log output")
var VERBOSE = flag.Int("v", 0, "debug verbosity")

func usage() {
	fmt.Fprintf(os.Stderr, "usage: atarihost [flags] status|read SECTOR|write SECTOR FILE|dump FILE|format|percom|speed\n")
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	flag.Usage = usage
	flag.Parse()
	util.InstallLimitedLogWriter(*LOGMAX)
	args := flag.Args()
	if len(args) < 1 {
		usage()
	}
	AssertLE(uint(1), *UNIT)
	AssertLE(*UNIT, uint(15))
	unit := byte(*UNIT)

	cable := Value(host.ParseCable(*CABLE))
	mode := Value(sio.ParseHighSpeedMode(*MODE))

	line, err := link.Open(*WIRE)
	if err != nil {
		log.Fatalf("Cannot open %q: %v", *WIRE, err)
	}
	defer line.Close()

	c := Value(host.New(line, host.Config{Cable: cable, Debug: *VERBOSE}))
	if mode != sio.SpeedNormal {
		if err := c.SetSpeed(mode, *HIGHBAUD); err != nil {
			log.Fatalf("-mode: %v", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, c, unit, args); err != nil {
		log.Printf("%s: %v", args[0], err)
		stop()
		line.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, c *host.Controller, unit byte, args []string) error {
	switch args[0] {
	case "status":
		st, err := c.GetStatus(ctx, unit)
		if err != nil {
			return err
		}
		fmt.Printf("D%d: flags $%02x controller $%02x timeout %d", unit, st.Flags, st.Controller, st.FormatTime)
		if st.WriteProtected() {
			fmt.Printf(" write-protected")
		}
		if st.DoubleDensity() {
			fmt.Printf(" double-density")
		}
		fmt.Println()

	case "read":
		if len(args) != 2 {
			usage()
		}
		sector := Value(strconv.ParseUint(args[1], 0, 16))
		buf := make([]byte, sectorSize(int(sector)))
		if err := c.ReadSector(ctx, unit, uint16(sector), buf); err != nil {
			return err
		}
		fmt.Print(hex.Dump(buf))

	case "write":
		if len(args) != 3 {
			usage()
		}
		sector := Value(strconv.ParseUint(args[1], 0, 16))
		data := Value(os.ReadFile(args[2]))
		AssertLE(len(data), sectorSize(int(sector)))
		buf := make([]byte, sectorSize(int(sector)))
		copy(buf, data)
		return c.WriteVerifySector(ctx, unit, uint16(sector), buf)

	case "dump":
		if len(args) != 2 {
			usage()
		}
		return dump(ctx, c, unit, args[1])

	case "format":
		bad, err := c.Format(ctx, unit, *SECTOR)
		if err != nil {
			return err
		}
		for i := 0; i+1 < len(bad) && !(bad[i] == 0xFF && bad[i+1] == 0xFF); i += 2 {
			fmt.Printf("bad sector %d\n", int(bad[i])|int(bad[i+1])<<8)
		}

	case "percom":
		p, err := c.PercomGet(ctx, unit)
		if err != nil {
			return err
		}
		fmt.Printf("%d tracks, %d sectors/track, %d sides, %d bytes/sector, density %d: %d sectors\n",
			p.Tracks, p.SectorsPerTrack, int(p.Sides)+1, p.SectorSize, p.Density, p.Sectors())

	case "speed":
		div, err := c.GetSpeedByte(ctx, unit)
		if err != nil {
			return err
		}
		fmt.Printf("Pokey divisor %d (%d baud nominal)\n", div, sio.PokeyBaud(uint(div)))

	default:
		usage()
	}
	return nil
}

func sectorSize(sector int) int {
	if sector <= 3 {
		return 128
	}
	return *SECTOR
}

// dump reads the whole disk, as PERCOM describes it, into a raw image.
func dump(ctx context.Context, c *host.Controller, unit byte, filename string) error {
	p, err := c.PercomGet(ctx, unit)
	if err != nil {
		return err
	}
	*SECTOR = int(p.SectorSize)
	f := Value(os.Create(filename))
	defer f.Close()
	for s := 1; s <= p.Sectors(); s++ {
		buf := make([]byte, sectorSize(s))
		if err := c.ReadSector(ctx, unit, uint16(s), buf); err != nil {
			return errors.Wrapf(err, "sector %d", s)
		}
		Value(f.Write(buf))
		if *VERBOSE > 0 && s%100 == 0 {
			log.Printf("%d of %d", s, p.Sectors())
		}
	}
	return nil
}
