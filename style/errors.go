package style

import (
	"errors"
	"fmt"

	"github.com/openfluke/loomstyle/nn"
)

// Kind classifies a transfer failure
type Kind int

const (
	KindInternal Kind = iota // unexpected failure, including recovered panics
	KindDecode               // an input image is missing or unusable
	KindShape                // image dimensions incompatible with the backbone
	KindNumeric              // loss or gradient became NaN or infinite
	KindResource             // device or capacity unavailable
	KindConfig               // invalid configuration
	KindCanceled             // context canceled or deadline exceeded
)

func (k Kind) String() string {
	switch k {
	case KindDecode:
		return "decode"
	case KindShape:
		return "shape"
	case KindNumeric:
		return "numeric"
	case KindResource:
		return "resource"
	case KindConfig:
		return "config"
	case KindCanceled:
		return "canceled"
	default:
		return "internal"
	}
}

// Error is a structured transfer failure
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first *Error in err's chain,
// KindCanceled for bare context errors, and KindInternal otherwise
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if isContextErr(err) {
		return KindCanceled
	}
	return KindInternal
}

// E builds an *Error
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// backboneError classifies errors coming out of the nn package
func backboneError(op string, err error) *Error {
	switch {
	case errors.Is(err, nn.ErrShape):
		return E(KindShape, op, err)
	case errors.Is(err, nn.ErrUnknownLayer):
		return E(KindConfig, op, err)
	case errors.Is(err, nn.ErrDevice):
		return E(KindResource, op, err)
	default:
		return E(KindInternal, op, err)
	}
}
