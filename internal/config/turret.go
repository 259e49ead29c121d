package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical turret defaults file.
const DefaultConfigPath = "config/turret.defaults.json"

// Wire formats understood by the actuation link.
const (
	WireFormatBinary = "binary"
	WireFormatASCII  = "ascii"
)

// TurretConfig is the process-level configuration, read once at startup.
// Every field is optional; the Get* accessors supply the defaults, so a
// partial file only overrides what it names.
type TurretConfig struct {
	// Link
	SerialPort         *string `json:"serial_port,omitempty"`
	BaudRate           *int    `json:"baud_rate,omitempty"`
	DataBits           *int    `json:"data_bits,omitempty"`
	StopBits           *int    `json:"stop_bits,omitempty"`
	Parity             *string `json:"parity,omitempty"`
	WireFormat         *string `json:"wire_format,omitempty"`
	DispatchPeriod     *string `json:"dispatch_period,omitempty"`   // duration string like "100ms"
	ReconnectBackoff   *string `json:"reconnect_backoff,omitempty"` // duration string like "5s"
	BackpressureFrames *int    `json:"backpressure_frames,omitempty"`
	WriteTimeout       *string `json:"write_timeout,omitempty"` // congestion longer than this reopens the link

	// Servo bounds and start pose
	PanMin    *int `json:"pan_min,omitempty"`
	PanMax    *int `json:"pan_max,omitempty"`
	TiltMin   *int `json:"tilt_min,omitempty"`
	TiltMax   *int `json:"tilt_max,omitempty"`
	StartPan  *int `json:"start_pan,omitempty"`
	StartTilt *int `json:"start_tilt,omitempty"`

	// Aim
	AimCenterX        *float64 `json:"aim_center_x,omitempty"`
	AimCenterY        *float64 `json:"aim_center_y,omitempty"`
	AimTolerance      *float64 `json:"aim_tolerance,omitempty"`
	TrackStep         *int     `json:"track_step,omitempty"`
	PanSign           *int     `json:"pan_sign,omitempty"`
	TiltSign          *int     `json:"tilt_sign,omitempty"`
	TrackingPanMargin *int     `json:"tracking_pan_margin,omitempty"`

	// Scan / pause
	ScanPanStep  *int    `json:"scan_pan_step,omitempty"`
	ScanTiltStep *int    `json:"scan_tilt_step,omitempty"`
	PauseDwell   *string `json:"pause_dwell,omitempty"`

	// Estimator
	ControlPeriod         *string  `json:"control_period,omitempty"`
	AvgCaptureLatency     *string  `json:"avg_capture_latency,omitempty"`
	MaxPredictDt          *string  `json:"max_predict_dt,omitempty"`
	LossTimeout           *string  `json:"loss_timeout,omitempty"`
	MeasurementNoise      *float64 `json:"measurement_noise,omitempty"`
	ProcessNoisePos       *float64 `json:"process_noise_pos,omitempty"`
	ProcessNoiseVel       *float64 `json:"process_noise_vel,omitempty"`
	InitialCovariance     *float64 `json:"initial_covariance,omitempty"`
	EscalateAfterFailures *int     `json:"escalate_after_failures,omitempty"`

	// Debug surface
	DebugListen *string `json:"debug_listen,omitempty"`
	TrailLength *int    `json:"trail_length,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTurretConfig returns a TurretConfig with every field unset.
func EmptyTurretConfig() *TurretConfig {
	return &TurretConfig{}
}

// DefaultTurretConfig returns a config with every field populated from the
// built-in defaults. It is what LoadTurretConfig falls back to field by
// field, spelled out so it can be written to disk or shown on the debug page.
func DefaultTurretConfig() *TurretConfig {
	c := EmptyTurretConfig()
	return &TurretConfig{
		SerialPort:            ptrString(c.GetSerialPort()),
		BaudRate:              ptrInt(c.GetBaudRate()),
		DataBits:              ptrInt(c.GetDataBits()),
		StopBits:              ptrInt(c.GetStopBits()),
		Parity:                ptrString(c.GetParity()),
		WireFormat:            ptrString(c.GetWireFormat()),
		DispatchPeriod:        ptrString(c.GetDispatchPeriod().String()),
		ReconnectBackoff:      ptrString(c.GetReconnectBackoff().String()),
		BackpressureFrames:    ptrInt(c.GetBackpressureFrames()),
		WriteTimeout:          ptrString(c.GetWriteTimeout().String()),
		PanMin:                ptrInt(c.GetPanMin()),
		PanMax:                ptrInt(c.GetPanMax()),
		TiltMin:               ptrInt(c.GetTiltMin()),
		TiltMax:               ptrInt(c.GetTiltMax()),
		StartPan:              ptrInt(c.GetStartPan()),
		StartTilt:             ptrInt(c.GetStartTilt()),
		AimCenterX:            ptrFloat64(c.GetAimCenterX()),
		AimCenterY:            ptrFloat64(c.GetAimCenterY()),
		AimTolerance:          ptrFloat64(c.GetAimTolerance()),
		TrackStep:             ptrInt(c.GetTrackStep()),
		PanSign:               ptrInt(c.GetPanSign()),
		TiltSign:              ptrInt(c.GetTiltSign()),
		TrackingPanMargin:     ptrInt(c.GetTrackingPanMargin()),
		ScanPanStep:           ptrInt(c.GetScanPanStep()),
		ScanTiltStep:          ptrInt(c.GetScanTiltStep()),
		PauseDwell:            ptrString(c.GetPauseDwell().String()),
		ControlPeriod:         ptrString(c.GetControlPeriod().String()),
		AvgCaptureLatency:     ptrString(c.GetAvgCaptureLatency().String()),
		MaxPredictDt:          ptrString(c.GetMaxPredictDt().String()),
		LossTimeout:           ptrString(c.GetLossTimeout().String()),
		MeasurementNoise:      ptrFloat64(c.GetMeasurementNoise()),
		ProcessNoisePos:       ptrFloat64(c.GetProcessNoisePos()),
		ProcessNoiseVel:       ptrFloat64(c.GetProcessNoiseVel()),
		InitialCovariance:     ptrFloat64(c.GetInitialCovariance()),
		EscalateAfterFailures: ptrInt(c.GetEscalateAfterFailures()),
		DebugListen:           ptrString(c.GetDebugListen()),
		TrailLength:           ptrInt(c.GetTrailLength()),
	}
}

// LoadTurretConfig loads a TurretConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadTurretConfig(path string) (*TurretConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTurretConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configured values are usable. Unset fields are
// checked through their defaults so cross-field constraints hold for the
// effective configuration.
func (c *TurretConfig) Validate() error {
	for name, v := range map[string]*string{
		"dispatch_period":     c.DispatchPeriod,
		"reconnect_backoff":   c.ReconnectBackoff,
		"write_timeout":       c.WriteTimeout,
		"pause_dwell":         c.PauseDwell,
		"control_period":      c.ControlPeriod,
		"avg_capture_latency": c.AvgCaptureLatency,
		"max_predict_dt":      c.MaxPredictDt,
		"loss_timeout":        c.LossTimeout,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}

	if c.GetControlPeriod() <= 0 {
		return fmt.Errorf("control_period must be positive")
	}
	if c.GetDispatchPeriod() <= 0 {
		return fmt.Errorf("dispatch_period must be positive")
	}
	if c.GetWriteTimeout() < c.GetDispatchPeriod() {
		return fmt.Errorf("write_timeout (%s) must be at least dispatch_period (%s)", c.GetWriteTimeout(), c.GetDispatchPeriod())
	}
	if c.GetPanMin() >= c.GetPanMax() {
		return fmt.Errorf("pan_min (%d) must be below pan_max (%d)", c.GetPanMin(), c.GetPanMax())
	}
	if c.GetTiltMin() >= c.GetTiltMax() {
		return fmt.Errorf("tilt_min (%d) must be below tilt_max (%d)", c.GetTiltMin(), c.GetTiltMax())
	}
	if c.GetPanMin() < 0 || c.GetPanMax() > 0xFFFF || c.GetTiltMin() < 0 || c.GetTiltMax() > 0xFFFF {
		return fmt.Errorf("servo bounds must fit in an unsigned 16-bit angle")
	}
	if c.GetAimTolerance() < 0 {
		return fmt.Errorf("aim_tolerance must be non-negative, got %f", c.GetAimTolerance())
	}
	for name, v := range map[string]int{
		"track_step":          c.GetTrackStep(),
		"scan_pan_step":       c.GetScanPanStep(),
		"scan_tilt_step":      c.GetScanTiltStep(),
		"backpressure_frames": c.GetBackpressureFrames(),
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", name, v)
		}
	}
	if s := c.GetPanSign(); s != 1 && s != -1 {
		return fmt.Errorf("pan_sign must be 1 or -1, got %d", s)
	}
	if s := c.GetTiltSign(); s != 1 && s != -1 {
		return fmt.Errorf("tilt_sign must be 1 or -1, got %d", s)
	}
	if c.GetTrackingPanMargin() < 0 {
		return fmt.Errorf("tracking_pan_margin must be non-negative, got %d", c.GetTrackingPanMargin())
	}
	switch c.GetWireFormat() {
	case WireFormatBinary, WireFormatASCII:
	default:
		return fmt.Errorf("unsupported wire_format %q: expected %q or %q", c.GetWireFormat(), WireFormatBinary, WireFormatASCII)
	}
	if c.GetMeasurementNoise() <= 0 || c.GetInitialCovariance() <= 0 {
		return fmt.Errorf("measurement_noise and initial_covariance must be positive")
	}
	if c.GetProcessNoisePos() < 0 || c.GetProcessNoiseVel() < 0 {
		return fmt.Errorf("process noise must be non-negative")
	}
	return nil
}

func getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

func getInt(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func getFloat64(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

func getString(v *string, def string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		return def
	}
	return *v
}

// GetSerialPort returns the serial endpoint of the actuator link.
func (c *TurretConfig) GetSerialPort() string { return getString(c.SerialPort, "/dev/rfcomm0") }

// GetBaudRate returns the link baud rate (HC-06 default).
func (c *TurretConfig) GetBaudRate() int      { return getInt(c.BaudRate, 9600) }
func (c *TurretConfig) GetDataBits() int      { return getInt(c.DataBits, 8) }
func (c *TurretConfig) GetStopBits() int      { return getInt(c.StopBits, 1) }
func (c *TurretConfig) GetParity() string     { return getString(c.Parity, "N") }
func (c *TurretConfig) GetWireFormat() string { return getString(c.WireFormat, WireFormatBinary) }

// GetDispatchPeriod returns the actuation tick period.
func (c *TurretConfig) GetDispatchPeriod() time.Duration {
	return getDuration(c.DispatchPeriod, 100*time.Millisecond)
}

// GetReconnectBackoff returns the wait between link reconnect attempts.
func (c *TurretConfig) GetReconnectBackoff() time.Duration {
	return getDuration(c.ReconnectBackoff, 5*time.Second)
}

// GetBackpressureFrames returns how many encoded frames may sit in the
// outbound buffer before sends are skipped.
// GetWriteTimeout returns how long the link may stay congested before it is
// reopened.
func (c *TurretConfig) GetWriteTimeout() time.Duration {
	return getDuration(c.WriteTimeout, time.Second)
}

func (c *TurretConfig) GetBackpressureFrames() int { return getInt(c.BackpressureFrames, 4) }

func (c *TurretConfig) GetPanMin() int  { return getInt(c.PanMin, 0) }
func (c *TurretConfig) GetPanMax() int  { return getInt(c.PanMax, 300) }
func (c *TurretConfig) GetTiltMin() int { return getInt(c.TiltMin, 0) }
func (c *TurretConfig) GetTiltMax() int { return getInt(c.TiltMax, 90) }

// GetStartPan returns the initial pan position, defaulting to pan_min.
func (c *TurretConfig) GetStartPan() int { return getInt(c.StartPan, c.GetPanMin()) }

// GetStartTilt returns the initial tilt position, defaulting to tilt_min.
func (c *TurretConfig) GetStartTilt() int { return getInt(c.StartTilt, c.GetTiltMin()) }

// GetAimCenterX returns the calibrated laser x position in image space.
func (c *TurretConfig) GetAimCenterX() float64 { return getFloat64(c.AimCenterX, 155) }

// GetAimCenterY returns the calibrated laser y position in image space.
func (c *TurretConfig) GetAimCenterY() float64 { return getFloat64(c.AimCenterY, 185) }

// GetAimTolerance returns the on-target band in pixels.
func (c *TurretConfig) GetAimTolerance() float64 { return getFloat64(c.AimTolerance, 10) }
func (c *TurretConfig) GetTrackStep() int        { return getInt(c.TrackStep, 2) }
func (c *TurretConfig) GetPanSign() int          { return getInt(c.PanSign, -1) }
func (c *TurretConfig) GetTiltSign() int         { return getInt(c.TiltSign, -1) }
func (c *TurretConfig) GetTrackingPanMargin() int {
	return getInt(c.TrackingPanMargin, 20)
}
func (c *TurretConfig) GetScanPanStep() int  { return getInt(c.ScanPanStep, 3) }
func (c *TurretConfig) GetScanTiltStep() int { return getInt(c.ScanTiltStep, 30) }

// GetPauseDwell returns how long the loop holds still in Pausing.
func (c *TurretConfig) GetPauseDwell() time.Duration {
	return getDuration(c.PauseDwell, 3*time.Second)
}

// GetControlPeriod returns the estimator / mode tick period.
func (c *TurretConfig) GetControlPeriod() time.Duration {
	return getDuration(c.ControlPeriod, 100*time.Millisecond)
}

// GetAvgCaptureLatency returns the assumed frame capture-to-arrival delay.
func (c *TurretConfig) GetAvgCaptureLatency() time.Duration {
	return getDuration(c.AvgCaptureLatency, 200*time.Millisecond)
}

// GetMaxPredictDt returns the upper clamp on a single predict step.
func (c *TurretConfig) GetMaxPredictDt() time.Duration {
	return getDuration(c.MaxPredictDt, 500*time.Millisecond)
}

// GetLossTimeout returns how long a track survives without observations.
func (c *TurretConfig) GetLossTimeout() time.Duration {
	return getDuration(c.LossTimeout, 2*time.Second)
}

func (c *TurretConfig) GetMeasurementNoise() float64  { return getFloat64(c.MeasurementNoise, 5) }
func (c *TurretConfig) GetProcessNoisePos() float64   { return getFloat64(c.ProcessNoisePos, 1) }
func (c *TurretConfig) GetProcessNoiseVel() float64   { return getFloat64(c.ProcessNoiseVel, 0.1) }
func (c *TurretConfig) GetInitialCovariance() float64 { return getFloat64(c.InitialCovariance, 100) }
func (c *TurretConfig) GetEscalateAfterFailures() int { return getInt(c.EscalateAfterFailures, 3) }

// GetDebugListen returns the debug HTTP listen address; empty disables it.
func (c *TurretConfig) GetDebugListen() string {
	if c.DebugListen == nil {
		return "localhost:8081"
	}
	return strings.TrimSpace(*c.DebugListen)
}

// GetTrailLength returns how many recent control ticks the debug trail keeps.
func (c *TurretConfig) GetTrailLength() int { return getInt(c.TrailLength, 600) }
