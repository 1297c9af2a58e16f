// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors, wrapped with %w by the components that return them.
var (
	// Packet decoding errors
	ErrPacketTooShort      = errors.New("whisperer: packet too short")
	ErrUnsupportedLinkType = errors.New("whisperer: unsupported link type")
	ErrNotIPv4TCP          = errors.New("whisperer: not an IPv4/TCP packet")

	// Output buffer errors
	ErrFrameTooLarge = errors.New("whisperer: frame larger than output buffer")

	// Sink errors
	ErrSinkStatus = errors.New("whisperer: unexpected sink response status")
	ErrSinkClosed = errors.New("whisperer: sink closed")

	// Capture source errors
	ErrSourceClosed = errors.New("whisperer: capture source closed")
	ErrReadTimeout  = errors.New("whisperer: capture read timeout")

	// Configuration errors
	ErrConfigInvalid = errors.New("whisperer: invalid configuration")
)
