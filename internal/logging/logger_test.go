package logging

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func newBufferedLogger(level LogLevel) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{
		Level:   level,
		Format:  "text",
		Output:  &buf,
		Sync:    true,
		NoColor: true,
	})
	return logger, &buf
}

func TestNewLoggerNilConfigUsesDefaults(t *testing.T) {
	require.NotNil(t, NewLogger(nil))
}

func TestDeviceContextCarriesThroughDerivedLoggers(t *testing.T) {
	logger, buf := newBufferedLogger(LevelDebug)

	// The engine attaches the connection id once at device creation and
	// every later line inherits it.
	deviceLogger := logger.WithDevice(1<<24 | 2<<8)
	deviceLogger.Info("device started")
	require.Contains(t, buf.String(), "device_id=16777728")

	buf.Reset()
	deviceLogger.WithQueue(1).Info("queue drained")
	out := buf.String()
	require.Contains(t, out, "device_id=16777728")
	require.Contains(t, out, "queue_id=1")
}

func TestWithRequestTagsInFlightRequests(t *testing.T) {
	logger, buf := newBufferedLogger(LevelDebug)

	logger.WithRequest(123, "READ").Debug("dispatched to backend")
	out := buf.String()
	require.Contains(t, out, "tag=123")
	require.Contains(t, out, "op=READ")
}

func TestWithErrorIncludesCause(t *testing.T) {
	logger, buf := newBufferedLogger(LevelDebug)

	// The reply loop's "connection lost" line carries the transport error.
	logger.WithError(errors.New("read: connection reset by peer")).Warn("nbd connection lost")
	out := buf.String()
	require.Contains(t, out, "nbd connection lost")
	require.Contains(t, out, "connection reset by peer")
}

func TestKeyValueArgsBecomeFields(t *testing.T) {
	logger, buf := newBufferedLogger(LevelInfo)

	logger.Info("create: device started", "instance_name", "disk1", "use_nbd", true)
	out := buf.String()
	require.Contains(t, out, "instance_name=disk1")
	require.Contains(t, out, "use_nbd=true")
}

func TestSetLevelGatesDerivedLoggers(t *testing.T) {
	logger, buf := newBufferedLogger(LevelInfo)
	deviceLogger := logger.WithDevice(7)

	deviceLogger.Debug("invisible at info")
	require.Empty(t, buf.String())

	// ReloadConfig applies a new level through the shared base logger, so
	// already-derived loggers pick it up too.
	logger.SetLevel(LevelDebug)
	deviceLogger.Debug("visible at debug")
	require.Contains(t, buf.String(), "visible at debug")

	buf.Reset()
	logger.SetLevel(LevelError)
	deviceLogger.Warn("suppressed at error")
	require.Empty(t, buf.String())
}

func TestGlobalFunctionsUseTheDefaultLogger(t *testing.T) {
	logger, buf := newBufferedLogger(LevelDebug)
	prev := Default()
	SetDefault(logger)
	t.Cleanup(func() { SetDefault(prev) })

	Debug("debug message", "key", "value")
	out := buf.String()
	require.Contains(t, out, "debug message")
	require.Contains(t, out, "key=value")

	buf.Reset()
	Error("error message")
	require.Contains(t, buf.String(), "error message")
}

func TestJSONFormatEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{
		Level:  LevelInfo,
		Format: "json",
		Output: &buf,
		Sync:   true,
	})

	logger.WithDevice(42).Info("reaped device", "instance_name", "disk1")
	out := buf.String()
	require.Contains(t, out, `"device_id":42`)
	require.Contains(t, out, `"instance_name":"disk1"`)
	require.Contains(t, out, `"msg":"reaped device"`)
}
