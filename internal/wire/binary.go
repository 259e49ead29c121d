package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/banshee-data/turret/internal/turret"
)

// Binary frame layout, little endian:
//
//	off  len  field
//	0    2    header F0 00
//	2    2    pan (lower servo)
//	4    2    tilt (upper servo)
//	6    1    fire (laser on)
//	7    1    roam (chassis enable_move)
//	8    1    turn hint
const (
	BinaryFrameLen = 9

	headerHi byte = 0xF0
	headerLo byte = 0x00
)

// BinaryCodec is the fixed-size frame the tank firmware reads.
type BinaryCodec struct{}

func (BinaryCodec) Name() string  { return "binary" }
func (BinaryCodec) FrameLen() int { return BinaryFrameLen }

func (BinaryCodec) Encode(c turret.AimCommand) ([]byte, error) {
	if err := checkU16("pan", c.Pan); err != nil {
		return nil, err
	}
	if err := checkU16("tilt", c.Tilt); err != nil {
		return nil, err
	}
	if !c.TurnHint.Valid() {
		return nil, fmt.Errorf("%w: turn=%d", ErrOutOfRange, uint8(c.TurnHint))
	}

	buf := make([]byte, BinaryFrameLen)
	buf[0], buf[1] = headerHi, headerLo
	binary.LittleEndian.PutUint16(buf[2:4], uint16(c.Pan))
	binary.LittleEndian.PutUint16(buf[4:6], uint16(c.Tilt))
	buf[6] = boolByte(c.Fire)
	buf[7] = boolByte(c.Roam)
	buf[8] = byte(c.TurnHint)
	return buf, nil
}

func (BinaryCodec) Decode(b []byte) (turret.AimCommand, error) {
	if len(b) < BinaryFrameLen {
		return turret.AimCommand{}, fmt.Errorf("%w: got %d bytes, want %d", ErrShortFrame, len(b), BinaryFrameLen)
	}
	if b[0] != headerHi || b[1] != headerLo {
		return turret.AimCommand{}, fmt.Errorf("%w: % x", ErrBadHeader, b[:2])
	}
	if b[6] > 1 || b[7] > 1 {
		return turret.AimCommand{}, fmt.Errorf("%w: flag bytes % x", ErrMalformed, b[6:8])
	}
	hint := turret.TurnHint(b[8])
	if !hint.Valid() {
		return turret.AimCommand{}, fmt.Errorf("%w: turn=%d", ErrOutOfRange, b[8])
	}
	return turret.AimCommand{
		Pan:      int(binary.LittleEndian.Uint16(b[2:4])),
		Tilt:     int(binary.LittleEndian.Uint16(b[4:6])),
		Fire:     b[6] == 1,
		Roam:     b[7] == 1,
		TurnHint: hint,
	}, nil
}
