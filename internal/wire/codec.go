// Package wire encodes aim commands for the turret firmware.
package wire

import (
	"errors"
	"fmt"
	"strings"

	"github.com/banshee-data/turret/internal/config"
	"github.com/banshee-data/turret/internal/turret"
)

var (
	ErrShortFrame   = errors.New("wire: short frame")
	ErrBadHeader    = errors.New("wire: bad frame header")
	ErrOutOfRange   = errors.New("wire: value out of range")
	ErrMalformed    = errors.New("wire: malformed frame")
	ErrUnknownCodec = errors.New("wire: unknown codec")
)

// Codec turns an AimCommand into the bytes the firmware expects and back.
type Codec interface {
	Name() string
	// FrameLen is the largest frame Encode can produce. The dispatcher
	// sizes its backpressure threshold from it.
	FrameLen() int
	Encode(turret.AimCommand) ([]byte, error)
	Decode([]byte) (turret.AimCommand, error)
}

// ForName returns the codec selected by a config wire_format value.
func ForName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case config.WireFormatBinary, "":
		return BinaryCodec{}, nil
	case config.WireFormatASCII:
		return ASCIICodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

func checkU16(field string, v int) error {
	if v < 0 || v > 0xFFFF {
		return fmt.Errorf("%w: %s=%d", ErrOutOfRange, field, v)
	}
	return nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
