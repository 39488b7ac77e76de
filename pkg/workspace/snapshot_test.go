package workspace

import (
	"archive/tar"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	t.Run("keeps logs, prompt and transcript, drops the rest", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-snap")
		require.NoError(t, err)

		require.NoError(t, os.MkdirAll(filepath.Join(ws.Logs(), "device"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(ws.Logs(), "device", "main.log"), []byte("boot ok\n"), 0o644))
		require.NoError(t, os.WriteFile(ws.PromptPath(), []byte("prompt body"), 0o644))
		require.NoError(t, os.WriteFile(ws.TranscriptPath(), []byte("agent said things"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(ws.Raw(), "bundle.bin"), []byte{0xde, 0xad}, 0o644))

		require.NoError(t, ws.Snapshot())

		entries, err := os.ReadDir(ws.Root)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, SnapshotFile, entries[0].Name())

		f, err := os.Open(filepath.Join(ws.Root, SnapshotFile))
		require.NoError(t, err)
		defer f.Close()

		contents := map[string]string{}
		tr := tar.NewReader(f)
		for {
			hdr, err := tr.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			contents[hdr.Name] = string(data)
		}
		assert.Equal(t, map[string]string{
			"logs/device/main.log": "boot ok\n",
			PromptFile:             "prompt body",
			TranscriptFile:         "agent said things",
		}, contents)
	})

	t.Run("tolerates a run that never produced a transcript", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-early")
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(ws.Logs(), "a.log"), []byte("x\n"), 0o644))

		require.NoError(t, ws.Snapshot())
		assert.FileExists(t, filepath.Join(ws.Root, SnapshotFile))
	})
}
