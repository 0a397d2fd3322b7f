package progress

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/multisocks-downloader/multisocks/internal/engine/types"
	"github.com/multisocks-downloader/multisocks/internal/proxy"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		URL:            "https://example.com/big.bin",
		TotalSize:      300,
		DownloadedSize: 150,
		Parts: []types.Segment{
			{Index: 0, Start: 0, End: 99, Current: 100, Completed: true},
			{Index: 1, Start: 100, End: 199, Current: 150},
			{Index: 2, Start: 200, End: 299, Current: 200},
		},
		Status:          "paused",
		SaveDir:         "/tmp/downloads",
		Filename:        "big.bin",
		Proxies:         []proxy.Endpoint{{Host: "127.0.0.1", Port: 1080}},
		ThreadCount:     4,
		TotalActiveTime: 12.5,
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.bin.progress")
	cp := sampleCheckpoint()

	require.NoError(t, Save(path, cp))

	loaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cp, loaded)

	// The segment cursors reproduce the downloaded size to the byte.
	var fromSegments int64
	for _, seg := range loaded.Parts {
		fromSegments += seg.Downloaded()
	}
	require.Equal(t, cp.DownloadedSize, fromSegments)
}

func TestSaveIsWholeFileReplacement(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.progress")
	require.NoError(t, Save(path, sampleCheckpoint()))

	// A second save must not leave the temp file behind.
	require.NoError(t, Save(path, sampleCheckpoint()))
	_, err := os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err))
}

func TestLoadRejectsMissingFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.progress")
	require.NoError(t, os.WriteFile(path, []byte(`{"url":"https://x","status":"paused"}`), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.progress")
	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.progress"))
	require.Error(t, err)
	require.True(t, os.IsNotExist(err))
}

func TestDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.progress")
	require.NoError(t, Save(path, sampleCheckpoint()))
	require.NoError(t, Delete(path))
	require.NoError(t, Delete(path)) // idempotent
}
