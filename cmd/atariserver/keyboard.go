package main

import (
	"bytes"
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/term"

	"github.com/strickyak/atarisio/util"
)

// Keyboard puts the terminal in raw mode and feeds single keystrokes to a
// channel. Ready gets a token whenever keys are waiting.
type Keyboard struct {
	Ready chan struct{}

	inkey chan byte
	state *term.State
}

func NewKeyboard() (*Keyboard, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("stdin is not a terminal")
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, errors.Wrap(err, "raw mode")
	}
	kb := &Keyboard{
		Ready: make(chan struct{}, 1),
		inkey: make(chan byte, 1024),
		state: state,
	}
	go kb.InkeyRoutine()
	return kb, nil
}

func (kb *Keyboard) InkeyRoutine() {
	defer func() {
		r := recover()
		if r != nil {
			util.Logf("InkeyRoutine: recovers panic: %v", r)
		}
	}()
	bb := make([]byte, 1)
	for {
		sz, err := os.Stdin.Read(bb)
		if err != nil {
			util.Panicf("cannot os.Stdin.Read: %v", err)
		}
		if sz == 1 {
			kb.inkey <- bb[0]
			select {
			case kb.Ready <- struct{}{}:
			default:
			}
		}
	}
}

func (kb *Keyboard) TryInkey() (byte, bool) {
	select {
	case x := <-kb.inkey:
		return x, true
	default:
		return 0, false
	}
}

func (kb *Keyboard) Close() {
	if err := term.Restore(int(os.Stdin.Fd()), kb.state); err != nil {
		util.Logf("restore terminal: %v", err)
	}
}

// crlfWriter adds the carriage returns raw mode stops the tty from adding.
type crlfWriter struct {
	w io.Writer
}

func (c crlfWriter) Write(p []byte) (int, error) {
	if _, err := c.w.Write(bytes.ReplaceAll(p, []byte("\n"), []byte("\r\n"))); err != nil {
		return 0, err
	}
	return len(p), nil
}
