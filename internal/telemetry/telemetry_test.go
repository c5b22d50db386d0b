package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/researchd/internal/config"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.Endpoint)
	assert.Equal(t, "grpc", cfg.Protocol)
	assert.Equal(t, 1.0, cfg.SamplingRate)
	assert.NoError(t, cfg.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults pass",
			mutate: func(c *Config) {},
		},
		{
			name: "empty endpoint",
			mutate: func(c *Config) {
				c.Endpoint = ""
			},
			wantErr: "endpoint",
		},
		{
			name: "unknown protocol",
			mutate: func(c *Config) {
				c.Protocol = "avro"
			},
			wantErr: "protocol",
		},
		{
			name: "sampling rate above one",
			mutate: func(c *Config) {
				c.SamplingRate = 1.5
			},
			wantErr: "sampling_rate",
		},
		{
			name: "negative sampling rate",
			mutate: func(c *Config) {
				c.SamplingRate = -0.1
			},
			wantErr: "sampling_rate",
		},
		{
			name: "insecure remote endpoint rejected",
			mutate: func(c *Config) {
				c.Endpoint = "collector.example.com:4317"
				c.Insecure = true
			},
			wantErr: "insecure",
		},
		{
			name: "insecure localhost allowed",
			mutate: func(c *Config) {
				c.Endpoint = "127.0.0.1:4317"
				c.Insecure = true
			},
		},
		{
			name: "zero shutdown timeout",
			mutate: func(c *Config) {
				c.ShutdownTimeout = config.Duration(0)
			},
			wantErr: "shutdown_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsLocalEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		want     bool
	}{
		{"localhost:4317", true},
		{"127.0.0.1:4317", true},
		{"[::1]:4317", true},
		{"http://localhost:4318", true},
		{"collector.example.com:4317", false},
		{"10.0.0.5:4317", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, isLocalEndpoint(tt.endpoint))
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
}

func TestNew_NilConfigUsesDefaults(t *testing.T) {
	tel, err := New(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.False(t, tel.IsEnabled())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true
	cfg.SamplingRate = 7

	tel, err := New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Nil(t, tel)
}

func TestShutdown_NilReceiver(t *testing.T) {
	var tel *Telemetry
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestShutdown_AppliesConfiguredTimeout(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.ShutdownTimeout = config.Duration(10 * time.Millisecond)

	tel, err := New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}
