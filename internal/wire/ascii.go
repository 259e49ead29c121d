package wire

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/banshee-data/turret/internal/turret"
)

// asciiMaxFrame is "65535 65535 1 1 4\n".
const asciiMaxFrame = 18

// ASCIICodec writes "<pan> <tilt> <fire> <roam> <turn>\n" for the serial
// bridge firmware. Flags are 0 or 1 and turn is the numeric hint.
type ASCIICodec struct{}

func (ASCIICodec) Name() string  { return "ascii" }
func (ASCIICodec) FrameLen() int { return asciiMaxFrame }

func (ASCIICodec) Encode(c turret.AimCommand) ([]byte, error) {
	if err := checkU16("pan", c.Pan); err != nil {
		return nil, err
	}
	if err := checkU16("tilt", c.Tilt); err != nil {
		return nil, err
	}
	if !c.TurnHint.Valid() {
		return nil, fmt.Errorf("%w: turn=%d", ErrOutOfRange, uint8(c.TurnHint))
	}
	buf := make([]byte, 0, asciiMaxFrame)
	buf = strconv.AppendInt(buf, int64(c.Pan), 10)
	buf = append(buf, ' ')
	buf = strconv.AppendInt(buf, int64(c.Tilt), 10)
	buf = append(buf, ' ', '0'+boolByte(c.Fire), ' ', '0'+boolByte(c.Roam), ' ')
	buf = strconv.AppendUint(buf, uint64(c.TurnHint), 10)
	buf = append(buf, '\n')
	return buf, nil
}

func (ASCIICodec) Decode(b []byte) (turret.AimCommand, error) {
	line, ok := bytes.CutSuffix(b, []byte("\n"))
	if !ok {
		return turret.AimCommand{}, fmt.Errorf("%w: missing newline", ErrShortFrame)
	}
	fields := bytes.Fields(line)
	if len(fields) != 5 {
		return turret.AimCommand{}, fmt.Errorf("%w: %d fields in %q", ErrMalformed, len(fields), line)
	}

	var vals [5]int
	for i, f := range fields {
		v, err := strconv.Atoi(string(f))
		if err != nil {
			return turret.AimCommand{}, fmt.Errorf("%w: %q: %w", ErrMalformed, f, err)
		}
		vals[i] = v
	}
	if err := checkU16("pan", vals[0]); err != nil {
		return turret.AimCommand{}, err
	}
	if err := checkU16("tilt", vals[1]); err != nil {
		return turret.AimCommand{}, err
	}
	for i, name := range []string{"fire", "roam"} {
		if v := vals[2+i]; v != 0 && v != 1 {
			return turret.AimCommand{}, fmt.Errorf("%w: %s=%d", ErrMalformed, name, v)
		}
	}
	if vals[4] < 0 || vals[4] > int(turret.TurnHitUpperYBound) {
		return turret.AimCommand{}, fmt.Errorf("%w: turn=%d", ErrOutOfRange, vals[4])
	}
	hint := turret.TurnHint(vals[4])
	return turret.AimCommand{
		Pan:      vals[0],
		Tilt:     vals[1],
		Fire:     vals[2] == 1,
		Roam:     vals[3] == 1,
		TurnHint: hint,
	}, nil
}
