package engine

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrNotWritable  = errors.New("tag is not writable")
	ErrNoAlarms     = errors.New("no alarm array configured")
)
