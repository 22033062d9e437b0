package sio

// Autobaud decides when the peripheral side should toggle between the
// standard and the highspeed baud rate after a bad command frame.
type Autobaud struct {
	Enabled  bool
	Standard uint
	High     uint

	current      uint
	justSwitched bool
}

// Decision tells the engine what to do after a frame was graded.
type Decision struct {
	Switch  bool // reprogram the line to NewBaud
	Flush   bool // flush the UART FIFOs
	NewBaud uint
}

// NewAutobaud starts at the standard rate.
func NewAutobaud(enabled bool, standard, high uint) *Autobaud {
	return &Autobaud{
		Enabled:  enabled,
		Standard: standard,
		High:     high,
		current:  standard,
	}
}

// Current is the rate the policy believes the line runs at.
func (a *Autobaud) Current() uint {
	if a.current == 0 {
		a.current = a.Standard
	}
	return a.current
}

// SetCurrent records a rate chosen from outside, e.g. an explicit
// configuration change. It clears the debounce flag.
func (a *Autobaud) SetCurrent(baud uint) {
	a.current = baud
	a.justSwitched = false
}

// JustSwitched reports whether the last graded frame caused a switch.
func (a *Autobaud) JustSwitched() bool { return a.justSwitched }

// Reset returns to the standard rate.
func (a *Autobaud) Reset() {
	a.current = a.Standard
	a.justSwitched = false
}

// Observe grades one frame attempt. A NormalError right after a switch is
// suppressed once, so the policy cannot flip rates on every frame; a
// MajorError always switches.
func (a *Autobaud) Observe(q Quality) Decision {
	switch q {
	case QualityOK:
		a.justSwitched = false
		return Decision{NewBaud: a.Current()}
	case MinorError:
		return Decision{Flush: true, NewBaud: a.Current()}
	case NormalError:
		if a.justSwitched {
			a.justSwitched = false
			return Decision{Flush: true, NewBaud: a.Current()}
		}
	}
	return a.toggle()
}

func (a *Autobaud) toggle() Decision {
	if !a.Enabled || a.High == 0 || a.High == a.Standard {
		return Decision{Flush: true, NewBaud: a.Current()}
	}
	if a.Current() == a.Standard {
		a.current = a.High
	} else {
		a.current = a.Standard
	}
	a.justSwitched = true
	return Decision{Switch: true, Flush: true, NewBaud: a.current}
}
