package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf), "pulsar-test", zerolog.DebugLevel)

	log.Info("client accepted", Field{Key: "registration", Value: 42})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pulsar-test", entry["service"])
	assert.Equal(t, "client accepted", entry["message"])
	assert.EqualValues(t, 42, entry["registration"])
	assert.Contains(t, entry, "time")
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf), "pulsar-test", zerolog.WarnLevel)

	log.Debug("dropped")
	log.Info("dropped")
	assert.Zero(t, buf.Len())

	log.Warn("kept")
	assert.NotZero(t, buf.Len())
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	log := New(zerolog.New(&buf), "pulsar-test", zerolog.InfoLevel)

	derived := log.With(Field{Key: "component", Value: "peers"})
	derived.Info("connecting")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "peers", entry["component"])

	// The parent logger must not have picked up the field.
	buf.Reset()
	log.Info("plain")
	entry = map[string]any{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.NotContains(t, entry, "component")
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	log.Error("nothing happens")
	assert.NoError(t, log.Close())
}

func TestDailyFileWriter(t *testing.T) {
	dir := t.TempDir()

	w, err := NewDailyFileWriter("pulsar", dir)
	require.NoError(t, err)

	n, err := w.Write([]byte("line one\n"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	path := w.CurrentLogFile()
	require.NotEmpty(t, path)
	assert.Equal(t, dir, filepath.Dir(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "line one\n", string(data))

	require.NoError(t, w.Close())
	assert.NoError(t, w.Close(), "close must be idempotent")

	_, err = w.Write([]byte("after close"))
	assert.ErrorIs(t, err, errWriterClosed)
}

func TestDailyFileWriterForceRotate(t *testing.T) {
	dir := t.TempDir()

	w, err := NewDailyFileWriter("pulsar", dir)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("before\n"))
	require.NoError(t, err)

	require.NoError(t, w.ForceRotate())

	_, err = w.Write([]byte("after\n"))
	require.NoError(t, err)

	// Same date, so rotation reopens the same path in append mode.
	data, err := os.ReadFile(w.CurrentLogFile())
	require.NoError(t, err)
	assert.Equal(t, "before\nafter\n", string(data))
}

func TestFileLoggerWritesJSON(t *testing.T) {
	dir := t.TempDir()

	log, err := NewFile("pulsar", dir, zerolog.InfoLevel)
	require.NoError(t, err)

	log.Info("server listening", Field{Key: "port", Value: 9099})
	require.NoError(t, log.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.EqualValues(t, 9099, entry["port"])
}
