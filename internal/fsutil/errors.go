package fsutil

import "errors"

var (
	ErrInvalidPath       = errors.New("fsutil: invalid path")
	ErrEncodeFailed      = errors.New("fsutil: encode failed")
	ErrDecodeFailed      = errors.New("fsutil: decode failed")
	ErrAtomicWriteFailed = errors.New("fsutil: atomic write failed")
)
