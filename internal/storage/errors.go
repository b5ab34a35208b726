package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

var (
	ErrStoreRead  = errors.New("store read failed")
	ErrStoreWrite = errors.New("store write failed")
)

// StoreError reports a failed store operation. It matches ErrStoreRead or
// ErrStoreWrite under errors.Is depending on Write.
type StoreError struct {
	Op    string
	Write bool
	Err   error
}

func (e *StoreError) Error() string {
	kind := "read"
	if e.Write {
		kind = "write"
	}
	return fmt.Sprintf("%s (%s): %v", e.Op, kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	if e.Write {
		return target == ErrStoreWrite
	}
	return target == ErrStoreRead
}

func readErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func writeErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StoreError{Op: op, Write: true, Err: err}
}
