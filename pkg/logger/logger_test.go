package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/classpad/docsync/pkg/logger"
)

func TestSlogHandler(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	handler := slog.NewJSONHandler(buff, &slog.HandlerOptions{Level: slog.LevelDebug})
	log := logger.New(handler)

	log.Info("hello", "database", "activity_42")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buff.Bytes(), &entry))
	require.Equal(t, "hello", entry["msg"])
	require.Equal(t, "activity_42", entry["database"])
}

func TestZerologBuild(t *testing.T) {
	buff := bytes.NewBuffer([]byte{})
	log, err := logger.NewZerologBuild().FromBuffer(buff).Make()
	require.NoError(t, err)
	require.NotNil(t, log)

	require.Equal(t, 0, buff.Len())
	log.Info("Test", "key", "value")
	require.Contains(t, buff.String(), "Test")
	require.Contains(t, buff.String(), "value")
}

func TestOrNop(t *testing.T) {
	require.NotNil(t, logger.OrNop(nil))
	require.NotPanics(t, func() {
		logger.OrNop(nil).Debug("ignored", "k", "v")
	})
}
