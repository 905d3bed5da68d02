package memutils

import "github.com/pkg/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

// ErrInvalidLength is returned when a heap or region length is negative, out of order, or too small to hold
// the structures that must live inside it
var ErrInvalidLength error = errors.New("invalid length")

// ErrInvalidAlignment is returned when a requested alignment is not supported
var ErrInvalidAlignment error = errors.New("invalid alignment")
