package diagnostics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTraceWriterRecordsToCurrentLog(t *testing.T) {
	dir := t.TempDir()
	w := NewTraceWriter(dir, 0)
	defer w.Close()

	require.NoError(t, w.Record("conn-1", DirectionTX, []byte{0x53, 0x80}))
	require.NoError(t, w.Record("conn-1", DirectionRX, []byte{0x06}))

	current := filepath.Join(dir, "conn-1", "current.log")
	data, err := os.ReadFile(current)
	require.NoError(t, err)
	require.Contains(t, string(data), "tx 5380")
	require.Contains(t, string(data), "rx 06")
}

func TestTraceWriterListTracesEmptyWhenMissing(t *testing.T) {
	dir := t.TempDir()
	w := NewTraceWriter(dir, 0)
	names, err := w.ListTraces("never-written")
	require.NoError(t, err)
	require.Empty(t, names)
}
