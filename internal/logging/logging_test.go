package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseComponent = ""
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	require.NotEmpty(t, line, "expected log output")

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &event))
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "json", Level: "debug", Component: "gateway", Output: &buf})

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	log.Debug().Str("identity", "+15550001111").Msg("hello")

	event := readJSONLine(t, &buf)
	assert.Equal(t, "gateway", event["component"])
	assert.Equal(t, "hello", event["message"])
	assert.Equal(t, "+15550001111", event["identity"])
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "console", Output: &buf})

	mu.RLock()
	_, ok := baseWriter.(zerolog.ConsoleWriter)
	mu.RUnlock()
	assert.True(t, ok)
}

func TestInitAutoFormatWithBufferIsJSON(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "auto", Output: &buf})
	log.Info().Msg("auto")

	event := readJSONLine(t, &buf)
	assert.Equal(t, "auto", event["message"])
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		" warn ":  zerolog.WarnLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestWithRequestIDGeneratesWhenEmpty(t *testing.T) {
	ctx, id := WithRequestID(context.Background(), "  ")
	assert.NotEmpty(t, id)
	assert.Equal(t, id, RequestIDFromContext(ctx))

	ctx, id = WithRequestID(ctx, " req-1 ")
	assert.Equal(t, "req-1", id)
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
}

func TestFromContextTagsRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "json", Output: &buf})

	ctx, _ := WithRequestID(context.Background(), "req-42")
	FromContext(ctx).Info().Msg("tagged")

	event := readJSONLine(t, &buf)
	assert.Equal(t, "req-42", event["request_id"])
}

func TestIsLevelEnabled(t *testing.T) {
	t.Cleanup(resetLoggingState)

	Init(Config{Level: "warn", Output: &bytes.Buffer{}})
	assert.False(t, IsLevelEnabled(zerolog.InfoLevel))
	assert.True(t, IsLevelEnabled(zerolog.ErrorLevel))
}
