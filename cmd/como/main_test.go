package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanMetrics(t *testing.T) {
	exposition := `# HELP como_records_written_total History records committed.
# TYPE como_records_written_total counter
como_records_written_total 42
como_record_queue_length 3
como_journal_size_bytes 1.5e+06
# TYPE como_messages_sent_total counter
como_messages_sent_total{session="a"} 2
como_messages_sent_total{session="b \"east\""} 3
go_goroutines 12
`
	got, err := scanMetrics(strings.NewReader(exposition), statsMetrics)
	require.NoError(t, err)
	assert.Equal(t, 42.0, got["como_records_written_total"])
	assert.Equal(t, 3.0, got["como_record_queue_length"])
	assert.Equal(t, 1.5e6, got["como_journal_size_bytes"])
	assert.Equal(t, 5.0, got["como_messages_sent_total"], "label sets are summed")
	assert.Equal(t, 0.0, got["como_server_sessions"])
	assert.NotContains(t, got, "go_goroutines")

	_, err = scanMetrics(strings.NewReader("como_record_queue_length three\n"), statsMetrics)
	assert.Error(t, err)
}

func TestTimeRange(t *testing.T) {
	start, end, err := timeRange(time.Hour, "", "2024-05-01T12:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), start.UTC())
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), end.UTC())

	_, _, err = timeRange(time.Hour, "2024-05-02T00:00:00Z", "2024-05-01T00:00:00Z")
	assert.Error(t, err)

	_, _, err = timeRange(time.Hour, "yesterday", "")
	assert.Error(t, err)
}

func TestValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "como.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channels:\n  - {name: plant, address: localhost:7410}\n"), 0o600))

	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"validate", "--config", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "1 channel(s)")

	require.NoError(t, os.WriteFile(path, []byte("history:\n  driver: mysql\n"), 0o600))
	cmd = rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"validate", "--config", path})
	assert.Error(t, cmd.Execute())
}
