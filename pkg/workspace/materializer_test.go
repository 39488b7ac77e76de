package workspace

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicebuild/jarvis/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBudget() *SizeBudget {
	return &SizeBudget{EntryLimit: 32 << 20, TotalLimit: 64 << 20}
}

type fakeResolver struct {
	blobs map[string][]byte
}

func (f *fakeResolver) Fetch(_ context.Context, token string) (io.ReadCloser, error) {
	b, ok := f.blobs[token]
	if !ok {
		return nil, errors.New("token not found")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func TestMaterialize(t *testing.T) {
	ctx := context.Background()

	t.Run("plain text artifact copied through", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-1")
		require.NoError(t, err)

		src := filepath.Join(t.TempDir(), "device.log")
		require.NoError(t, os.WriteFile(src, []byte("boot ok\n"), 0o644))

		m := NewMaterializer(nil, testLogger())
		n, err := m.Materialize(ctx, ws, []models.LogArtifact{{Name: "device.log", Path: src}}, testBudget())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.FileExists(t, filepath.Join(ws.Logs(), "device.log"))
	})

	t.Run("zip artifact extracted into its stem dir", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-2")
		require.NoError(t, err)

		src := buildZip(t, map[string]string{"app.log": "a\n", "sys/kernel.log": "k\n"})

		m := NewMaterializer(nil, testLogger())
		n, err := m.Materialize(ctx, ws, []models.LogArtifact{{Name: "bundle.zip", Path: src}}, testBudget())
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.FileExists(t, filepath.Join(ws.Logs(), "bundle", "app.log"))
		assert.FileExists(t, filepath.Join(ws.Logs(), "bundle", "sys", "kernel.log"))
	})

	t.Run("encrypted bundle decrypted and unpacked", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-3")
		require.NoError(t, err)

		zipBytes, err := os.ReadFile(buildZip(t, map[string]string{"rec/session.log": "start\n"}))
		require.NoError(t, err)
		src := filepath.Join(t.TempDir(), "export.plaud")
		require.NoError(t, os.WriteFile(src, encryptFixture(t, zipBytes), 0o644))

		m := NewMaterializer(nil, testLogger())
		n, err := m.Materialize(ctx, ws, []models.LogArtifact{{Name: "export.plaud", Path: src}}, testBudget())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.FileExists(t, filepath.Join(ws.Logs(), "export", "rec", "session.log"))
		assert.NoFileExists(t, filepath.Join(ws.Raw(), "export.plaud.dec"), "decrypted intermediate is removed")
	})

	t.Run("encrypted bare log kept as .log", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-4")
		require.NoError(t, err)

		src := filepath.Join(t.TempDir(), "trace.plaud")
		require.NoError(t, os.WriteFile(src, encryptFixture(t, []byte("plain trace\n")), 0o644))

		m := NewMaterializer(nil, testLogger())
		n, err := m.Materialize(ctx, ws, []models.LogArtifact{{Name: "trace.plaud", Path: src}}, testBudget())
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		data, err := os.ReadFile(filepath.Join(ws.Logs(), "trace.log"))
		require.NoError(t, err)
		assert.Equal(t, "plain trace\n", string(data))
	})

	t.Run("token artifact fetched via resolver", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-5")
		require.NoError(t, err)

		resolver := &fakeResolver{blobs: map[string][]byte{"tok-1": []byte("fetched\n")}}
		m := NewMaterializer(resolver, testLogger())

		n, err := m.Materialize(ctx, ws, []models.LogArtifact{{Name: "remote.log", Token: "tok-1"}}, testBudget())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("resolver failure is ArtifactFetch", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-6")
		require.NoError(t, err)

		m := NewMaterializer(&fakeResolver{}, testLogger())
		_, err = m.Materialize(ctx, ws, []models.LogArtifact{{Name: "remote.log", Token: "missing"}}, testBudget())

		var f *models.Failure
		require.ErrorAs(t, err, &f)
		assert.Equal(t, models.FailArtifactFetch, f.Kind)
	})

	t.Run("unlabeled zip sniffed by magic", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-7")
		require.NoError(t, err)

		zipPath := buildZip(t, map[string]string{"x.log": "x\n"})
		unlabeled := filepath.Join(t.TempDir(), "download.bin")
		data, err := os.ReadFile(zipPath)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(unlabeled, data, 0o644))

		m := NewMaterializer(nil, testLogger())
		n, err := m.Materialize(ctx, ws, []models.LogArtifact{{Name: "download.bin", Path: unlabeled}}, testBudget())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.FileExists(t, filepath.Join(ws.Logs(), "download", "x.log"))
	})

	t.Run("artifact without path or token is BadRequest", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-8")
		require.NoError(t, err)

		m := NewMaterializer(nil, testLogger())
		_, err = m.Materialize(ctx, ws, []models.LogArtifact{{Name: "ghost.log"}}, testBudget())

		var f *models.Failure
		require.ErrorAs(t, err, &f)
		assert.Equal(t, models.FailBadRequest, f.Kind)
	})

	t.Run("budget spans all artifacts of the task", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-9")
		require.NoError(t, err)

		dir := t.TempDir()
		a := filepath.Join(dir, "a.log")
		b := filepath.Join(dir, "b.log")
		require.NoError(t, os.WriteFile(a, bytes.Repeat([]byte("a"), 700), 0o644))
		require.NoError(t, os.WriteFile(b, bytes.Repeat([]byte("b"), 700), 0o644))

		m := NewMaterializer(nil, testLogger())
		_, err = m.Materialize(ctx, ws, []models.LogArtifact{
			{Name: "a.log", Path: a},
			{Name: "b.log", Path: b},
		}, &SizeBudget{EntryLimit: 1024, TotalLimit: 1000})

		var f *models.Failure
		require.ErrorAs(t, err, &f)
		assert.Equal(t, models.FailExtract, f.Kind)
	})
}

func TestCreateResetsExistingWorkspace(t *testing.T) {
	base := t.TempDir()

	ws, err := Create(base, "task-x")
	require.NoError(t, err)
	leftover := filepath.Join(ws.Output(), "result.json")
	require.NoError(t, os.WriteFile(leftover, []byte("{}"), 0o644))

	ws2, err := Create(base, "task-x")
	require.NoError(t, err)
	assert.NoFileExists(t, leftover)
	assert.DirExists(t, ws2.Logs())
}

func TestMountCode(t *testing.T) {
	t.Run("links existing checkout", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-c")
		require.NoError(t, err)

		repo := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(repo, "main.c"), []byte("int main(){}"), 0o644))

		mounted, err := MountCode(ws, repo)
		require.NoError(t, err)
		assert.True(t, mounted)
		assert.FileExists(t, filepath.Join(ws.Code(), "repo", "main.c"))
	})

	t.Run("missing checkout is advisory", func(t *testing.T) {
		ws, err := Create(t.TempDir(), "task-d")
		require.NoError(t, err)

		mounted, err := MountCode(ws, filepath.Join(t.TempDir(), "nope"))
		require.NoError(t, err)
		assert.False(t, mounted)
	})
}
