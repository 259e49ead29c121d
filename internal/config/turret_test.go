package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTurretConfig(t *testing.T) {
	cfg := DefaultTurretConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9600, cfg.GetBaudRate())
	assert.Equal(t, 0, cfg.GetPanMin())
	assert.Equal(t, 300, cfg.GetPanMax())
	assert.Equal(t, 90, cfg.GetTiltMax())
	assert.Equal(t, 155.0, cfg.GetAimCenterX())
	assert.Equal(t, 185.0, cfg.GetAimCenterY())
	assert.Equal(t, 10.0, cfg.GetAimTolerance())
	assert.Equal(t, 2*time.Second, cfg.GetLossTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.GetMaxPredictDt())
	assert.Equal(t, 3*time.Second, cfg.GetPauseDwell())
	assert.Equal(t, 5*time.Second, cfg.GetReconnectBackoff())
	assert.Equal(t, time.Second, cfg.GetWriteTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.GetDispatchPeriod())
	assert.Equal(t, WireFormatBinary, cfg.GetWireFormat())
}

func TestDefaultsFileMatchesBuiltins(t *testing.T) {
	path := filepath.Join("..", "..", DefaultConfigPath)
	loaded, err := LoadTurretConfig(path)
	require.NoError(t, err)

	if diff := cmp.Diff(DefaultTurretConfig(), loaded); diff != "" {
		t.Errorf("defaults file drifted from built-in defaults (-builtin +file):\n%s", diff)
	}
}

func TestLoadTurretConfigPartial(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "turret.json")

	testJSON := `{
  "serial_port": "/dev/ttyUSB3",
  "avg_capture_latency": "350ms",
  "aim_tolerance": 6.5,
  "wire_format": "ascii"
}`
	require.NoError(t, os.WriteFile(configPath, []byte(testJSON), 0644))

	cfg, err := LoadTurretConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyUSB3", cfg.GetSerialPort())
	assert.Equal(t, 350*time.Millisecond, cfg.GetAvgCaptureLatency())
	assert.Equal(t, 6.5, cfg.GetAimTolerance())
	assert.Equal(t, WireFormatASCII, cfg.GetWireFormat())
	// untouched fields fall back to defaults
	assert.Equal(t, 9600, cfg.GetBaudRate())
	assert.Equal(t, 2*time.Second, cfg.GetLossTimeout())
}

func TestLoadTurretConfigErrors(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTurretConfig(filepath.Join(tmpDir, "nope.json"))
		assert.Error(t, err)
	})

	t.Run("wrong extension", func(t *testing.T) {
		p := filepath.Join(tmpDir, "turret.yaml")
		require.NoError(t, os.WriteFile(p, []byte("{}"), 0644))
		_, err := LoadTurretConfig(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), ".json")
	})

	t.Run("malformed json", func(t *testing.T) {
		p := filepath.Join(tmpDir, "bad.json")
		require.NoError(t, os.WriteFile(p, []byte(`{"pan_max": "wide"`), 0644))
		_, err := LoadTurretConfig(p)
		assert.Error(t, err)
	})

	t.Run("too large", func(t *testing.T) {
		p := filepath.Join(tmpDir, "huge.json")
		big := `{"serial_port": "` + strings.Repeat("x", 1024*1024+1) + `"}`
		require.NoError(t, os.WriteFile(p, []byte(big), 0644))
		_, err := LoadTurretConfig(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})

	t.Run("fails validation", func(t *testing.T) {
		p := filepath.Join(tmpDir, "invalid.json")
		require.NoError(t, os.WriteFile(p, []byte(`{"pan_sign": 2}`), 0644))
		_, err := LoadTurretConfig(p)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "pan_sign")
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *TurretConfig
		wantErr string
	}{
		{name: "empty config is valid", cfg: &TurretConfig{}},
		{name: "defaults are valid", cfg: DefaultTurretConfig()},
		{name: "unparseable duration", cfg: &TurretConfig{PauseDwell: ptrString("soon")}, wantErr: "pause_dwell"},
		{name: "negative latency", cfg: &TurretConfig{AvgCaptureLatency: ptrString("-1s")}, wantErr: "avg_capture_latency"},
		{name: "zero control period", cfg: &TurretConfig{ControlPeriod: ptrString("0s")}, wantErr: "control_period"},
		{name: "inverted pan range", cfg: &TurretConfig{PanMin: ptrInt(200), PanMax: ptrInt(100)}, wantErr: "pan_min"},
		{name: "inverted tilt range", cfg: &TurretConfig{TiltMin: ptrInt(90), TiltMax: ptrInt(90)}, wantErr: "tilt_min"},
		{name: "pan beyond u16", cfg: &TurretConfig{PanMax: ptrInt(70000)}, wantErr: "16-bit"},
		{name: "negative tolerance", cfg: &TurretConfig{AimTolerance: ptrFloat64(-1)}, wantErr: "aim_tolerance"},
		{name: "zero scan step", cfg: &TurretConfig{ScanPanStep: ptrInt(0)}, wantErr: "scan_pan_step"},
		{name: "bad tilt sign", cfg: &TurretConfig{TiltSign: ptrInt(0)}, wantErr: "tilt_sign"},
		{name: "bad wire format", cfg: &TurretConfig{WireFormat: ptrString("protobuf")}, wantErr: "wire_format"},
		{name: "zero measurement noise", cfg: &TurretConfig{MeasurementNoise: ptrFloat64(0)}, wantErr: "measurement_noise"},
		{name: "write timeout below dispatch period", cfg: &TurretConfig{WriteTimeout: ptrString("50ms")}, wantErr: "write_timeout"},
		{name: "negative margin", cfg: &TurretConfig{TrackingPanMargin: ptrInt(-5)}, wantErr: "tracking_pan_margin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetDurationFallbacks(t *testing.T) {
	tests := []struct {
		name string
		cfg  *TurretConfig
		want time.Duration
	}{
		{name: "explicit", cfg: &TurretConfig{LossTimeout: ptrString("1500ms")}, want: 1500 * time.Millisecond},
		{name: "nil pointer returns default", cfg: &TurretConfig{}, want: 2 * time.Second},
		{name: "empty string returns default", cfg: &TurretConfig{LossTimeout: ptrString("")}, want: 2 * time.Second},
		{name: "invalid duration returns default", cfg: &TurretConfig{LossTimeout: ptrString("later")}, want: 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cfg.GetLossTimeout())
		})
	}
}

func TestStartPoseFollowsBounds(t *testing.T) {
	cfg := &TurretConfig{PanMin: ptrInt(40), TiltMin: ptrInt(10)}
	assert.Equal(t, 40, cfg.GetStartPan())
	assert.Equal(t, 10, cfg.GetStartTilt())

	cfg.StartPan = ptrInt(150)
	assert.Equal(t, 150, cfg.GetStartPan())
}

func TestDebugListenCanBeDisabled(t *testing.T) {
	assert.Equal(t, "localhost:8081", (&TurretConfig{}).GetDebugListen())
	assert.Equal(t, "", (&TurretConfig{DebugListen: ptrString("  ")}).GetDebugListen())
}
