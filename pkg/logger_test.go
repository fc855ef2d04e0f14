package pkg

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name: "default config",
			cfg:  nil,
		},
		{
			name: "json to stdout",
			cfg: &Config{
				Level:   "debug",
				Format:  "json",
				Console: ConsoleConfig{Enable: true, Output: "stdout"},
			},
		},
		{
			name: "console to stderr",
			cfg: &Config{
				Level:   "warn",
				Format:  "console",
				Console: ConsoleConfig{Enable: true, Output: "stderr", NoColor: true},
			},
		},
		{
			name: "no output",
			cfg: &Config{
				Level:  "info",
				Format: "json",
			},
		},
		{
			name: "disabled level",
			cfg: &Config{
				Level: "disabled",
			},
		},
		{
			name: "invalid level",
			cfg: &Config{
				Level: "loud",
			},
			wantErr: true,
		},
		{
			name: "file output without path",
			cfg: &Config{
				Level: "info",
				File:  FileConfig{Enable: true},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.NoError(t, logger.Close())
		})
	}
}

func TestLogger_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "node.log")

	cfg := DefaultConfig()
	cfg.Console.Enable = false
	cfg.Format = "json"
	cfg.File.Enable = true
	cfg.File.Path = path
	cfg.File.Compress = false

	logger, err := New(cfg)
	require.NoError(t, err)

	logger.Info().Str("node_id", "3").Msg("configured")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"node_id":"3"`)
	assert.Contains(t, string(data), "configured")
}

func TestLogger_WithFields(t *testing.T) {
	base := Nop()

	child := base.WithFields(Fields{"node_id": uint64(6)})
	grandchild := child.WithFields(Fields{"component": "ring"})

	assert.Empty(t, base.Fields())
	assert.Equal(t, Fields{"node_id": uint64(6)}, child.Fields())
	assert.Equal(t, Fields{"node_id": uint64(6), "component": "ring"}, grandchild.Fields())
}

func TestLogger_WithComponentAndNode(t *testing.T) {
	l := Nop().WithComponent("bus").WithNode(3)
	assert.Equal(t, Fields{"component": "bus", "node_id": uint64(3)}, l.Fields())
}

func TestLogger_UpdateLevel(t *testing.T) {
	logger, err := New(&Config{Level: "info"})
	require.NoError(t, err)

	require.NoError(t, logger.UpdateLevel("debug"))
	assert.Equal(t, "debug", logger.config.Level)

	assert.Error(t, logger.UpdateLevel("nope"))
}

func TestInvariantErrors(t *testing.T) {
	for _, err := range []error{ErrFingerNotFound, ErrNotPredecessor, ErrRoutingStuck} {
		assert.True(t, errors.Is(err, ErrInvariantViolation), err.Error())
	}
	assert.False(t, errors.Is(ErrNodeHalted, ErrInvariantViolation))
}
