// Package devices emulates SIO peripherals on top of the server engine:
// disk drives backed by raw sector files and a line printer.
package devices

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/strickyak/atarisio/server"
	"github.com/strickyak/atarisio/sio"
)

var Logf = log.Printf

// Conn is how a handler answers the frame it was given.
type Conn interface {
	SendCommandACK(ctx context.Context, f *sio.CommandFrame) error
	SendCommandNAK(ctx context.Context, f *sio.CommandFrame) error
	SendDataACK(ctx context.Context, f *sio.CommandFrame) error
	SendDataNAK(ctx context.Context, f *sio.CommandFrame) error
	SendComplete(ctx context.Context, f *sio.CommandFrame) error
	SendError(ctx context.Context, f *sio.CommandFrame) error
	SendDataFrame(ctx context.Context, f *sio.CommandFrame, data []byte) error
	SendCompleteAndData(ctx context.Context, f *sio.CommandFrame, data []byte) error
	ReceiveDataFrame(ctx context.Context, f *sio.CommandFrame, n int) ([]byte, error)
}

type Handler interface {
	ProcessCommandFrame(ctx context.Context, c Conn, f *sio.CommandFrame) error
}

// Engine is the frame source Run dispatches from; *server.Server is one.
type Engine interface {
	Conn
	WaitCommandFrame(ctx context.Context, timeout time.Duration, other <-chan struct{}) (server.WaitResult, error)
	GetCommandFrame() (*sio.CommandFrame, error)
	IsStale(f *sio.CommandFrame) bool
}

// Manager maps device ids to handlers.
type Manager struct {
	// Other, when readable, interrupts the wait for a frame and OnOther
	// is called. Both may be nil.
	Other   <-chan struct{}
	OnOther func()
	Debug   int

	mu       sync.Mutex
	handlers map[byte]Handler
}

func NewManager() *Manager {
	return &Manager{handlers: make(map[byte]Handler)}
}

// Mount attaches h at a device id such as sio.DeviceID(sio.DeviceDisk, 1).
func (m *Manager) Mount(id byte, h Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.handlers[id]; ok {
		return errors.Wrapf(sio.ErrConfig, "device $%02x already mounted", id)
	}
	m.handlers[id] = h
	return nil
}

// Unmount detaches and returns whatever was at id.
func (m *Manager) Unmount(id byte) Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.handlers[id]
	delete(m.handlers, id)
	return h
}

func (m *Manager) Lookup(id byte) Handler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[id]
}

// Run answers frames until ctx ends. Frames for ids with no handler are
// left unanswered, as a missing device would.
func (m *Manager) Run(ctx context.Context, e Engine) error {
	for {
		res, err := e.WaitCommandFrame(ctx, sio.CommandFrameWait, m.Other)
		if err != nil {
			return err
		}
		switch res {
		case server.OtherReady:
			if m.OnOther != nil {
				m.OnOther()
			}
			continue
		case server.WaitTimeout:
			continue
		}

		f, err := e.GetCommandFrame()
		if err != nil {
			continue
		}
		if e.IsStale(f) {
			continue
		}
		h := m.Lookup(f.Device)
		if h == nil {
			if m.Debug > 0 {
				Logf("devices: no device for %v", f)
			}
			continue
		}
		err = h.ProcessCommandFrame(ctx, e, f)
		switch {
		case err == nil:
		case errors.Cause(err) == sio.ErrCancelled:
			return err
		case errors.Cause(err) == sio.ErrCommandTimeout && e.IsStale(f):
			Logf("devices: %v overtaken by a newer frame", f)
		default:
			Logf("devices: %v: %v", f, err)
		}
	}
}
