package sio

import "fmt"

// Quality grades a received command frame for the autobaud policy.
type Quality int

const (
	QualityOK Quality = iota
	MinorError         // plausible frame with one glitch; ignored
	NormalError        // ambiguous; switch baud unless we just did
	MajorError         // far off; switch baud now
)

func (q Quality) String() string {
	switch q {
	case QualityOK:
		return "ok"
	case MinorError:
		return "minor"
	case NormalError:
		return "normal"
	case MajorError:
		return "major"
	}
	return fmt.Sprintf("Quality(%d)", int(q))
}

// FrameStats counts what arrived while the command line was asserted.
// Good bytes arrived clean; Errors had framing, parity or overrun errors;
// Breaks are break conditions seen on the line.
type FrameStats struct {
	Good       int
	Errors     int
	Breaks     int
	ChecksumOK bool
}

func (s FrameStats) String() string {
	return fmt.Sprintf("good=%d err=%d brk=%d csum=%v", s.Good, s.Errors, s.Breaks, s.ChecksumOK)
}

// ClassifyFrame is a pure function of the counts. Order matters: the first
// matching rule wins.
func ClassifyFrame(s FrameStats) Quality {
	switch {
	case s.Good+s.Errors+s.Breaks >= 7:
		// far too many bytes: we are slower than the sender
		return MajorError
	case s.Breaks > 0 && s.Good == 0 && s.Errors == 0:
		return NormalError
	case s.Good+s.Errors <= 3:
		// far too few bytes: we are faster than the sender
		return MajorError
	case s.Good == 5 && s.Errors == 0 && s.Breaks == 0:
		if s.ChecksumOK {
			return QualityOK
		}
		return MinorError
	case s.Good == 4 && s.Errors == 1 && s.Breaks == 0:
		return MinorError
	case s.Breaks > 1:
		return MajorError
	}
	return NormalError
}

// Outcome is where the command-frame state machine ends up for one
// assertion of the command line.
type Outcome int

const (
	CommandOK Outcome = iota
	CommandSoftError
	CommandHardError
)

func (o Outcome) String() string {
	switch o {
	case CommandOK:
		return "CommandOK"
	case CommandSoftError:
		return "CommandSoftError"
	case CommandHardError:
		return "CommandHardError"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// ClassifyOutcome grades a frame when the line cannot report per-byte
// errors, so only the byte count and checksum are known. complete is false
// when the frame timed out or overflowed.
func ClassifyOutcome(count int, complete bool, checksumOK bool) Outcome {
	if complete && count == CommandFrameSize {
		if checksumOK {
			return CommandOK
		}
		return CommandSoftError
	}
	if count < 4 {
		return CommandSoftError
	}
	return CommandHardError
}

// Quality maps an outcome onto the autobaud grades: a soft error is retried
// without forcing a switch, a hard error switches at once.
func (o Outcome) Quality() Quality {
	switch o {
	case CommandOK:
		return QualityOK
	case CommandSoftError:
		return MinorError
	}
	return MajorError
}
