package wal

import (
	"errors"
	"fmt"
)

// ErrBadMagic is returned when the row file magic is not as expected.
var ErrBadMagic = errors.New("bad row file magic")

// ErrClosed is returned when operating on a closed row file.
var ErrClosed = errors.New("row file closed")

// UnsupportedVersionError is returned when the file version is not supported.
type UnsupportedVersionError struct {
	major, minor uint8
}

func (e UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported row file version: %d.%d (current: %d.%d)", e.major, e.minor, currentMajor, currentMinor)
}

func (e UnsupportedVersionError) Is(target error) bool {
	_, ok := target.(UnsupportedVersionError)
	return ok
}

// CRCMismatchError is returned when the CRC of a record does not match the computed CRC.
type CRCMismatchError struct {
	fp               int64
	expected, actual uint32
}

func (e CRCMismatchError) Error() string {
	return fmt.Sprintf("record at %d: expected CRC %d, got %d", e.fp, e.expected, e.actual)
}

func (e CRCMismatchError) Is(target error) bool {
	_, ok := target.(CRCMismatchError)
	return ok
}

// RecordNotFoundError is returned when no complete record exists at an offset.
type RecordNotFoundError struct {
	Fp int64
}

func (e RecordNotFoundError) Error() string {
	return fmt.Sprintf("no record at fp %d", e.Fp)
}

func (e RecordNotFoundError) Is(target error) bool {
	_, ok := target.(RecordNotFoundError)
	return ok
}
