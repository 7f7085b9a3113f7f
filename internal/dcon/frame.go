// Package dcon implements the ASCII wire frames spoken by DCON-style
// 705x/701x I/O modules: fixed-width uppercase hex fields, one command or
// response per CR-terminated line.
package dcon

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Terminator ends every command frame.
const Terminator = '\r'

var (
	// ErrValueOutOfRange means a frame field does not fit its fixed width.
	// The codec never truncates; callers must pre-validate.
	ErrValueOutOfRange = errors.New("dcon: field value out of range")

	// ErrShortResponse means a response line has fewer tokens than the
	// requested channel index needs.
	ErrShortResponse = errors.New("dcon: response has too few values")

	// ErrBadToken means the token at the requested channel index is not
	// a number.
	ErrBadToken = errors.New("dcon: response value is not numeric")
)

// EncodeWrite builds a digital-output write frame:
//
//	MMMMAACCVV\r
//
// 4 hex digits of module ID, 2 of device address, 2 of channel, 2 of value,
// all zero-padded uppercase. Address, channel and value must each fit in one
// byte and the module ID in two.
func EncodeWrite(moduleID, address, channel, value int) (string, error) {
	if moduleID < 0 || moduleID > 0xFFFF {
		return "", fmt.Errorf("%w: module 0x%X", ErrValueOutOfRange, moduleID)
	}
	for _, f := range []struct {
		name string
		v    int
	}{
		{"address", address},
		{"channel", channel},
		{"value", value},
	} {
		if f.v < 0 || f.v > 0xFF {
			return "", fmt.Errorf("%w: %s %d", ErrValueOutOfRange, f.name, f.v)
		}
	}
	return fmt.Sprintf("%04X%02X%02X%02X%c", moduleID, address, channel, value, Terminator), nil
}

// EncodeRead builds an analog-input read frame:
//
//	MMMMAACC\r
//
// Same field widths as EncodeWrite, minus the value byte.
func EncodeRead(moduleID, address, channel int) (string, error) {
	if moduleID < 0 || moduleID > 0xFFFF {
		return "", fmt.Errorf("%w: module 0x%X", ErrValueOutOfRange, moduleID)
	}
	if address < 0 || address > 0xFF {
		return "", fmt.Errorf("%w: address %d", ErrValueOutOfRange, address)
	}
	if channel < 0 || channel > 0xFF {
		return "", fmt.Errorf("%w: channel %d", ErrValueOutOfRange, channel)
	}
	return fmt.Sprintf("%04X%02X%02X%c", moduleID, address, channel, Terminator), nil
}

// ParseAnalogResponse extracts the numeric value at token position index
// from a response line. The protocol is line-oriented and order-positional:
// the line is split on whitespace and no other structure is assumed.
func ParseAnalogResponse(line string, index int) (float64, error) {
	if index < 0 {
		return 0, fmt.Errorf("%w: index %d", ErrShortResponse, index)
	}
	tokens := strings.Fields(line)
	if len(tokens) <= index {
		return 0, fmt.Errorf("%w: want index %d, got %d tokens", ErrShortResponse, index, len(tokens))
	}
	v, err := strconv.ParseFloat(tokens[index], 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadToken, tokens[index])
	}
	return v, nil
}
