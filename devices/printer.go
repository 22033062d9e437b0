package devices

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/sio"
)

const (
	PrinterLineSize = 40
	atasciiEOL      = 0x9B
)

// Printer writes each print line to Out, with ATASCII end of line turned
// into a newline. Nothing else about the content is interpreted.
type Printer struct {
	Out io.Writer

	mu    sync.Mutex
	lines int
}

// Lines counts lines printed so far.
func (p *Printer) Lines() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lines
}

func (p *Printer) print(data []byte) error {
	if i := bytes.IndexByte(data, atasciiEOL); i >= 0 {
		data = append(data[:i:i], '\n')
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if data[len(data)-1] == '\n' {
		p.lines++
	}
	_, err := p.Out.Write(data)
	return errors.Wrap(err, "printer")
}

func (p *Printer) ProcessCommandFrame(ctx context.Context, c Conn, f *sio.CommandFrame) error {
	switch f.Command {
	case 'W':
		if err := c.SendCommandACK(ctx, f); err != nil {
			return err
		}
		data, err := c.ReceiveDataFrame(ctx, f, PrinterLineSize)
		if errors.Cause(err) == sio.ErrChecksum {
			return c.SendDataNAK(ctx, f)
		}
		if err != nil {
			return err
		}
		if err := c.SendDataACK(ctx, f); err != nil {
			return err
		}
		if err := p.print(data); err != nil {
			Logf("devices: %v", err)
			return c.SendError(ctx, f)
		}
		return c.SendComplete(ctx, f)

	case sio.CMD_STATUS:
		if err := c.SendCommandACK(ctx, f); err != nil {
			return err
		}
		return c.SendCompleteAndData(ctx, f, []byte{0x00, 0x00, 0x10, 0x00})
	}
	return c.SendCommandNAK(ctx, f)
}
