// Package content extracts typed values from decoded baseband packets.
//
// Extractors never modify the packet. A packet that does not satisfy an
// extractor's precondition (protocol, service, message, group, type,
// direction) yields a usage error; a packet that satisfies it but carries
// missing or short attributes yields a data error.
package content

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Usage errors
var (
	ErrWrongProtocol  = errors.New("content: wrong protocol")
	ErrWrongService   = errors.New("content: wrong service id")
	ErrWrongMessage   = errors.New("content: wrong message id")
	ErrNotIndication  = errors.New("content: not an indication")
	ErrWrongGroup     = errors.New("content: wrong group id")
	ErrWrongType      = errors.New("content: wrong type id")
	ErrWrongDirection = errors.New("content: wrong direction")
)

// Data errors
var (
	ErrAttributeMissing = errors.New("content: attribute missing")
	ErrAttributeSize    = errors.New("content: attribute too short")
)

// IsUsageError reports whether err means the extractor was applied to the
// wrong kind of packet
func IsUsageError(err error) bool {
	for _, target := range []error{
		ErrWrongProtocol, ErrWrongService, ErrWrongMessage, ErrNotIndication,
		ErrWrongGroup, ErrWrongType, ErrWrongDirection,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func int8At(data []byte, off int) (int8, error) {
	if len(data) < off+1 {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrAttributeSize, off+1, len(data))
	}
	return int8(data[off]), nil
}

func int16At(data []byte, off int) (int16, error) {
	if len(data) < off+2 {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrAttributeSize, off+2, len(data))
	}
	return int16(binary.LittleEndian.Uint16(data[off : off+2])), nil
}

func int32At(data []byte, off int) (int32, error) {
	if len(data) < off+4 {
		return 0, fmt.Errorf("%w: need %d bytes, have %d", ErrAttributeSize, off+4, len(data))
	}
	return int32(binary.LittleEndian.Uint32(data[off : off+4])), nil
}

// uintValue reads an unsigned little-endian integer sized by the attribute
func uintValue(data []byte) (uint64, error) {
	switch len(data) {
	case 1:
		return uint64(data[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(data)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(data)), nil
	case 8:
		return binary.LittleEndian.Uint64(data), nil
	}
	return 0, fmt.Errorf("%w: %d bytes is not an integer width", ErrAttributeSize, len(data))
}
