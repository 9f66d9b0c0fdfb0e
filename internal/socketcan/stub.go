//go:build !linux

package socketcan

import "errors"

var ErrUnsupported = errors.New("socketcan: only available on linux")

// Open always fails off linux.
func Open(string) (Dev, error) { return nil, ErrUnsupported }
