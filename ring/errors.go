package ring

import "github.com/pkg/errors"

var (
	ErrFull  = errors.New("ring: full")
	ErrEmpty = errors.New("ring: empty")
)
