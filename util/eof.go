// Package util holds small helpers shared by the cerver packages.
package util

import (
	"errors"
	"io"
	"net"
	"strings"
)

// IsEOF reports whether err means the peer went away.
func IsEOF(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) ||
		strings.Contains(strings.ToLower(err.Error()), "connection reset by peer")
}

// IsClosed reports whether err comes from using a connection closed locally.
func IsClosed(err error) bool {
	return err != nil && errors.Is(err, net.ErrClosed)
}

// IsTimeout reports whether err is a deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
