package sio

// Pokey divisors with names. The Atari sets its serial speed with a Pokey
// divisor; the UART has to be programmed to a rate the Pokey can lock onto.
const (
	DivisorStandard  = 40 // 19200
	Divisor2xXF551   = 16 // 38400, also XF551 highspeed
	Divisor3x        = 8  // 57600
	DivisorHappy     = 10
	DivisorSpeedy    = 9
	DivisorTurbo     = 6
	DivisorUltraFast = 0
)

// PokeyClock sits between the PAL (1773447) and NTSC (1789790) Pokey input
// clocks, so rates computed from it are in range for both machines.
const PokeyClock = 1781618

// Family is a group of UARTs sharing a reference clock, and so sharing the
// set of rates they can actually hit.
type Family int

const (
	FamilyStandard Family = iota // 16550 style, 115200 base
	Family921600                 // 16C950 and friends, 921600 base
	Family4M                     // 3.9 to 4 MHz bases (62.5MHz/16 and 64MHz/16 parts)
)

func (f Family) String() string {
	switch f {
	case Family921600:
		return "921600"
	case Family4M:
		return "4M"
	}
	return "standard"
}

// FamilyForBase picks the family for a UART baud base (reference clock / 16).
func FamilyForBase(base uint) Family {
	switch {
	case base == 921600:
		return Family921600
	case base >= 3900000 && base <= 4000000:
		return Family4M
	}
	return FamilyStandard
}

// Rates each family actually produces for a Pokey divisor: the base clock
// over the whole UART divisor nearest the Pokey rate. Rebuilt from the base
// clocks; divisor 40 is pinned to the standard rate.
var table921600 = map[uint]uint{
	0:  131657,
	1:  115200,
	2:  102400,
	3:  92160,
	4:  83781,
	5:  76800,
	6:  70892,
	7:  65828,
	8:  57600,
	9:  54211,
	10: 51200,
	11: 48505,
	12: 46080,
	13: 43885,
	14: 41890,
	15: 40069,
	16: 38400,
	40: 19200,
}

var table4M = map[uint]uint{
	0:  126008,
	1:  111607,
	2:  100160,
	3:  88778,
	4:  81380,
	5:  73702,
	6:  68530,
	7:  64036,
	8:  59185,
	9:  55803,
	10: 52083,
	11: 49446,
	12: 47063,
	13: 44389,
	14: 42459,
	15: 40690,
	16: 38675,
	40: 19200,
}

// A 115200 base only reaches the named standard speeds. XF551 highspeed is
// the fourth of them but shares divisor 16 with 2x, so it has no entry of
// its own.
var tableStandard = map[uint]uint{
	DivisorStandard: StandardBaudrate,
	Divisor2xXF551:  Baudrate2x,
	Divisor3x:       Baudrate3x,
}

// PokeyBaud is the nominal rate of a Pokey divisor.
func PokeyBaud(divisor uint) uint {
	return PokeyClock / (2 * (divisor + 7))
}

// DivisorToBaud returns the UART rate to use for a Pokey divisor. For the
// highspeed families every divisor gets a rate (table first, formula
// otherwise). Plain UARTs only support the standard divisors; for anything
// else it returns (0, false) and correct operation is not guaranteed.
func DivisorToBaud(family Family, baseClock uint, divisor uint) (uint, bool) {
	switch family {
	case Family921600:
		if baud, ok := table921600[divisor]; ok {
			return baud, true
		}
		return PokeyBaud(divisor), true
	case Family4M:
		if baud, ok := table4M[divisor]; ok {
			return baud, true
		}
		return PokeyBaud(divisor), true
	}
	if baud, ok := tableStandard[divisor]; ok && (baseClock == 0 || baud <= baseClock) {
		return baud, true
	}
	return 0, false
}

// BaudToDivisor finds the Pokey divisor whose table rate is baud, for the
// Ultra speed query answer.
func BaudToDivisor(family Family, baud uint) (uint, bool) {
	var table map[uint]uint
	switch family {
	case Family921600:
		table = table921600
	case Family4M:
		table = table4M
	default:
		table = tableStandard
	}
	for div, b := range table {
		if b == baud {
			return div, true
		}
	}
	return 0, false
}
