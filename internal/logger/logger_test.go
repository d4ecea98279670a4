package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger := newLogger()

	formatter, ok := logger.Formatter.(*logrus.TextFormatter)
	require.True(t, ok)
	assert.Equal(t, time.RFC3339Nano, formatter.TimestampFormat)
	assert.True(t, formatter.FullTimestamp)
}

func TestGetLogger_WithoutContextLogger(t *testing.T) {
	retrieved := G(context.Background())

	require.NotNil(t, retrieved)
	assert.Equal(t, L.Logger, retrieved.Logger)
}

func TestGetLogger_WithContextLogger(t *testing.T) {
	custom := logrus.NewEntry(logrus.New()).WithField("test", "value")
	ctx := WithLogger(context.Background(), custom)

	retrieved := G(ctx)
	assert.Equal(t, "value", retrieved.Data["test"])
	assert.Equal(t, custom.Logger, retrieved.Logger)
}

func TestWithFields_Accumulates(t *testing.T) {
	ctx := WithFields(context.Background(), logrus.Fields{FieldRunID: "run-1"})
	ctx = WithFields(ctx, logrus.Fields{FieldWave: 2, FieldTask: "api"})

	data := G(ctx).Data
	assert.Equal(t, "run-1", data[FieldRunID])
	assert.Equal(t, 2, data[FieldWave])
	assert.Equal(t, "api", data[FieldTask])
}

func TestSetLoggerFormat(t *testing.T) {
	tests := []struct {
		format string
		want   logrus.Formatter
	}{
		{"json", &logrus.JSONFormatter{}},
		{"text", &logrus.TextFormatter{}},
		{"", &logrus.TextFormatter{}},
		{"something-else", &logrus.TextFormatter{}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			l := logrus.New()
			setLoggerFormat(l, tt.format)
			assert.IsType(t, tt.want, l.Formatter)
		})
	}
}

func TestConfigure(t *testing.T) {
	original := L.Logger.GetLevel()
	originalFormatter := L.Logger.Formatter
	t.Cleanup(func() {
		L.Logger.SetLevel(original)
		L.Logger.Formatter = originalFormatter
		L.Logger.SetOutput(os.Stderr)
	})

	require.NoError(t, Configure("debug", "json"))
	assert.Equal(t, logrus.DebugLevel, L.Logger.GetLevel())

	var buf bytes.Buffer
	SetLogOutput(&buf)
	G(context.Background()).WithField(FieldTask, "T1").Info("task started")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "task started", entry["message"])
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, "T1", entry[FieldTask])
	assert.Contains(t, entry, "timestamp")

	assert.Error(t, Configure("loud", "text"))
}
