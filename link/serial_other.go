//go:build !linux

package link

import "github.com/pkg/errors"

// Serial is only implemented on Linux; it needs termios2 and TIOCGICOUNT.
type Serial struct{ Line }

func Open(name string) (*Serial, error) {
	return nil, errors.Errorf("link.Open %q: not implemented on this OS", name)
}

func (s *Serial) OutQueue() (int, error) {
	return 0, errors.New("link: OutQueue not implemented on this OS")
}
