// Package detect feeds target observations from the vision process (or a
// simulation) into the shared control state.
package detect

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/banshee-data/turret/internal/monitoring"
	"github.com/banshee-data/turret/internal/timeutil"
	"github.com/banshee-data/turret/internal/turret"
)

// ErrSourceClosed is returned when the upstream stream ends.
var ErrSourceClosed = errors.New("detect: source closed")

// Publisher is the part of the shared state a detection source writes.
type Publisher interface {
	PublishObservation(turret.Observation)
	ClearObservation()
}

// ParseLine reads one detection line. It accepts "x y", "x,y",
// {"x": .., "y": ..} and "none" or an empty line, which mean no target.
func ParseLine(line string) (pos turret.Vec2, present bool, err error) {
	line = strings.TrimSpace(line)
	switch strings.ToLower(line) {
	case "", "none", "null":
		return turret.Vec2{}, false, nil
	}

	if strings.HasPrefix(line, "{") {
		var msg struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return turret.Vec2{}, false, fmt.Errorf("parse %q: %w", line, err)
		}
		if msg.X == nil || msg.Y == nil {
			return turret.Vec2{}, false, nil
		}
		pos = turret.Vec2{X: *msg.X, Y: *msg.Y}
	} else {
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
		if len(fields) != 2 {
			return turret.Vec2{}, false, fmt.Errorf("parse %q: want 2 coordinates, got %d", line, len(fields))
		}
		x, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return turret.Vec2{}, false, fmt.Errorf("parse %q: %w", line, err)
		}
		y, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return turret.Vec2{}, false, fmt.Errorf("parse %q: %w", line, err)
		}
		pos = turret.Vec2{X: x, Y: y}
	}

	if math.IsNaN(pos.X) || math.IsNaN(pos.Y) || math.IsInf(pos.X, 0) || math.IsInf(pos.Y, 0) {
		return turret.Vec2{}, false, fmt.Errorf("parse %q: non-finite coordinate", line)
	}
	return pos, true, nil
}

// LineSource reads newline separated detections from r. Arrival time is
// stamped when a line is read.
type LineSource struct {
	name  string
	r     io.Reader
	pub   Publisher
	clock timeutil.Clock

	lines   atomic.Uint64
	badRows atomic.Uint64
}

// NewLineSource returns a source reading from r.
func NewLineSource(name string, r io.Reader, pub Publisher, clock timeutil.Clock) *LineSource {
	return &LineSource{name: name, r: r, pub: pub, clock: clock}
}

// Lines returns how many lines were read.
func (s *LineSource) Lines() uint64 { return s.lines.Load() }

// BadLines returns how many lines failed to parse.
func (s *LineSource) BadLines() uint64 { return s.badRows.Load() }

// Run reads until ctx is cancelled or the stream ends. A clean end of stream
// returns ErrSourceClosed. On cancel a reader that is an io.Closer is closed
// so the scanning goroutine exits; a plain io.Reader leaves it blocked in
// Read until the next line or process exit.
func (s *LineSource) Run(ctx context.Context) error {
	scan := bufio.NewScanner(s.r)
	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking Scan runs apart from the select so cancellation is
	// noticed even while the reader is idle
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if c, ok := s.r.(io.Closer); ok {
				if err := c.Close(); err != nil {
					monitoring.Diagf("detect %s: close on cancel: %v", s.name, err)
				}
			}
			return ctx.Err()
		case err := <-scanErrChan:
			return fmt.Errorf("detect %s: %w", s.name, err)
		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return fmt.Errorf("detect %s: %w", s.name, err)
				default:
				}
				return fmt.Errorf("detect %s: %w", s.name, ErrSourceClosed)
			}
			s.handle(line)
		}
	}
}

func (s *LineSource) handle(line string) {
	s.lines.Add(1)
	pos, present, err := ParseLine(line)
	if err != nil {
		n := s.badRows.Add(1)
		if n == 1 || n%100 == 0 {
			monitoring.Diagf("detect %s: %v (%d bad lines)", s.name, err, n)
		}
		return
	}
	if !present {
		s.pub.ClearObservation()
		return
	}
	s.pub.PublishObservation(turret.Observation{Position: pos, ArrivalTime: s.clock.Now()})
	monitoring.Tracef("detect %s: target at (%.0f, %.0f)", s.name, pos.X, pos.Y)
}
