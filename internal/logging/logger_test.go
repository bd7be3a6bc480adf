package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_Defaults(t *testing.T) {
	logger, err := NewLogger(nil)
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Underlying())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid default", func(c *Config) {}, ""},
		{"bad format", func(c *Config) { c.Format = "xml" }, "format"},
		{"negative caller skip", func(c *Config) { c.Caller.Skip = -1 }, "caller skip"},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"k": ""} }, "empty value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestContextFields_Correlation(t *testing.T) {
	ctx := WithWorker(context.Background(), "agent-7")
	ctx = WithWave(ctx, 3)
	ctx = WithStory(ctx, "checkout-flow")

	fields := ContextFields(ctx)
	require.Len(t, fields, 3)

	byKey := map[string]zapcore.Field{}
	for _, f := range fields {
		byKey[f.Key] = f
	}
	assert.Equal(t, "agent-7", byKey["worker.id"].String)
	assert.Equal(t, int64(3), byKey["wave"].Integer)
	assert.Equal(t, "checkout-flow", byKey["story"].String)
}

func TestFromContext_FallsBackToNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)

	ctx := WithLogger(context.Background(), NewNop())
	assert.NotNil(t, FromContext(ctx))
}
