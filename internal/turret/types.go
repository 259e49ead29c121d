// Package turret holds the record types shared by the control loop, the
// actuation dispatcher and the wire codecs.
package turret

import (
	"fmt"
	"time"
)

// Vec2 is a point or velocity in image space (pixels, origin top-left, y
// growing downward).
type Vec2 struct {
	X float64
	Y float64
}

// Add returns v + o.
func (v Vec2) Add(o Vec2) Vec2 { return Vec2{X: v.X + o.X, Y: v.Y + o.Y} }

// Sub returns v - o.
func (v Vec2) Sub(o Vec2) Vec2 { return Vec2{X: v.X - o.X, Y: v.Y - o.Y} }

// Scale returns v * k.
func (v Vec2) Scale(k float64) Vec2 { return Vec2{X: v.X * k, Y: v.Y * k} }

// Observation is a single target centroid reported by the detection source.
// ArrivalTime is when the result reached this process, not when the frame was
// captured.
type Observation struct {
	Position    Vec2
	ArrivalTime time.Time
}

// TrackState is the estimator's belief about the target.
type TrackState struct {
	TrackID     string
	Position    Vec2
	Velocity    Vec2
	Initialized bool
	LastSeen    time.Time
}

// TurnHint records which servo bound a command was clamped against.
type TurnHint uint8

const (
	TurnNone TurnHint = iota
	TurnHitLeftXBound
	TurnHitRightXBound
	TurnHitLowerYBound
	TurnHitUpperYBound
)

func (h TurnHint) String() string {
	switch h {
	case TurnNone:
		return "none"
	case TurnHitLeftXBound:
		return "hit-left-x"
	case TurnHitRightXBound:
		return "hit-right-x"
	case TurnHitLowerYBound:
		return "hit-lower-y"
	case TurnHitUpperYBound:
		return "hit-upper-y"
	default:
		return fmt.Sprintf("turn(%d)", uint8(h))
	}
}

// Valid reports whether h is one of the known hints.
func (h TurnHint) Valid() bool {
	return h <= TurnHitUpperYBound
}

// AimCommand is what the actuators are told to do on the next dispatch.
type AimCommand struct {
	Pan      int
	Tilt     int
	Fire     bool
	Roam     bool // ask the chassis to wander (firmware enable_move)
	TurnHint TurnHint
}

func (c AimCommand) String() string {
	return fmt.Sprintf("pan=%d tilt=%d fire=%t roam=%t turn=%s", c.Pan, c.Tilt, c.Fire, c.Roam, c.TurnHint)
}

// Range is an inclusive integer servo range.
type Range struct {
	Min int
	Max int
}

// Clamp limits v to [r.Min, r.Max].
func (r Range) Clamp(v int) int {
	if v < r.Min {
		return r.Min
	}
	if v > r.Max {
		return r.Max
	}
	return v
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

// Inset returns the range shrunk by margin on both ends. If the margin would
// invert the range the midpoint is returned as a single-value range.
func (r Range) Inset(margin int) Range {
	if margin <= 0 {
		return r
	}
	out := Range{Min: r.Min + margin, Max: r.Max - margin}
	if out.Min > out.Max {
		mid := r.Min + (r.Max-r.Min)/2
		return Range{Min: mid, Max: mid}
	}
	return out
}

// Bounds holds the servo ranges for both axes.
type Bounds struct {
	Pan  Range
	Tilt Range
}

// Clamp limits a command's pan/tilt to the bounds. Other fields are kept.
func (b Bounds) Clamp(c AimCommand) AimCommand {
	c.Pan = b.Pan.Clamp(c.Pan)
	c.Tilt = b.Tilt.Clamp(c.Tilt)
	return c
}
