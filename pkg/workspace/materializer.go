package workspace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nicebuild/jarvis/pkg/models"
)

// artifactFetchTimeout bounds one token resolution.
const artifactFetchTimeout = 5 * time.Minute

// Resolver turns an artifact token into its byte stream. Implemented by
// the producer integrations (support-desk download API); local-path
// artifacts bypass it.
type Resolver interface {
	Fetch(ctx context.Context, token string) (io.ReadCloser, error)
}

// Materializer downloads, decrypts, and unpacks a task's log artifacts
// into its workspace. Artifacts are processed sequentially; the first
// failure aborts the task.
type Materializer struct {
	resolver Resolver
	logger   *slog.Logger
}

func NewMaterializer(resolver Resolver, logger *slog.Logger) *Materializer {
	return &Materializer{resolver: resolver, logger: logger.With("component", "materializer")}
}

// Materialize stages every artifact into ws.Raw() and decodes it into
// ws.Logs(). Returns the number of plaintext log files produced.
// Failures carry the pipeline failure kind: ArtifactFetch for staging,
// DecryptFailure for cipher errors, ExtractFailure for archives.
func (m *Materializer) Materialize(ctx context.Context, ws *Workspace, artifacts []models.LogArtifact, budget *SizeBudget) (int, error) {
	for i, a := range artifacts {
		if err := ctx.Err(); err != nil {
			return 0, models.WrapFailure(models.FailCancelled, err, "materialization interrupted")
		}
		rawPath, err := m.stage(ctx, ws, i, a)
		if err != nil {
			return 0, err
		}
		if err := m.decode(ws, rawPath, budget); err != nil {
			return 0, err
		}
	}

	n, err := countFiles(ws.Logs())
	if err != nil {
		return 0, models.WrapFailure(models.FailExtract, err, "inspect decoded logs")
	}
	m.logger.Info("artifacts materialized",
		"task_id", ws.TaskID, "artifacts", len(artifacts), "log_files", n, "bytes", budget.Used())
	return n, nil
}

// stage copies one artifact into raw/ from its local path or via the
// token resolver.
func (m *Materializer) stage(ctx context.Context, ws *Workspace, idx int, a models.LogArtifact) (string, error) {
	name := a.Name
	if name == "" {
		name = fmt.Sprintf("artifact-%d", idx)
	}
	dest := filepath.Join(ws.Raw(), filepath.Base(name))

	switch {
	case a.Path != "":
		if err := copyFile(dest, a.Path); err != nil {
			return "", models.WrapFailure(models.FailArtifactFetch, err,
				fmt.Sprintf("stage local artifact %q", name))
		}
	case a.Token != "":
		if m.resolver == nil {
			return "", models.NewFailure(models.FailArtifactFetch,
				fmt.Sprintf("artifact %q needs a token resolver but none is configured", name))
		}
		fctx, cancel := context.WithTimeout(ctx, artifactFetchTimeout)
		defer cancel()
		rc, err := m.resolver.Fetch(fctx, a.Token)
		if err != nil {
			return "", models.WrapFailure(models.FailArtifactFetch, err,
				fmt.Sprintf("fetch artifact %q", name))
		}
		defer rc.Close()
		if err := writeStream(dest, rc); err != nil {
			return "", models.WrapFailure(models.FailArtifactFetch, err,
				fmt.Sprintf("save artifact %q", name))
		}
	default:
		return "", models.NewFailure(models.FailBadRequest,
			fmt.Sprintf("artifact %q has neither path nor token", name))
	}
	return dest, nil
}

// decode turns one staged raw artifact into plaintext under logs/.
// Format is chosen by extension, with a ZIP magic sniff as fallback for
// unlabeled downloads.
func (m *Materializer) decode(ws *Workspace, rawPath string, budget *SizeBudget) error {
	base := filepath.Base(rawPath)
	lower := strings.ToLower(base)
	logs := ws.Logs()

	switch {
	case strings.HasSuffix(lower, ".plaud"):
		return m.decodePlaud(ws, rawPath, budget)

	case strings.HasSuffix(lower, ".zip"):
		dest := filepath.Join(logs, stem(base))
		if err := ExtractZip(dest, rawPath, budget); err != nil {
			return models.WrapFailure(models.FailExtract, err, fmt.Sprintf("extract %q", base))
		}

	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		dest := filepath.Join(logs, stem(base))
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return models.WrapFailure(models.FailExtract, err, fmt.Sprintf("extract %q", base))
		}
		if err := ExtractTarGz(dest, rawPath, budget); err != nil {
			return models.WrapFailure(models.FailExtract, err, fmt.Sprintf("extract %q", base))
		}

	case strings.HasSuffix(lower, ".gz"):
		dest := filepath.Join(logs, stem(base))
		if err := ExtractGzip(dest, rawPath, budget); err != nil {
			return models.WrapFailure(models.FailExtract, err, fmt.Sprintf("decompress %q", base))
		}

	default:
		if isZipFile(rawPath) {
			dest := filepath.Join(logs, stem(base))
			if err := ExtractZip(dest, rawPath, budget); err != nil {
				return models.WrapFailure(models.FailExtract, err, fmt.Sprintf("extract %q", base))
			}
			return nil
		}
		// Plain text log: charge and copy through.
		dest := filepath.Join(logs, base)
		if err := copyCharged(dest, rawPath, budget); err != nil {
			return models.WrapFailure(models.FailExtract, err, fmt.Sprintf("copy %q", base))
		}
	}
	return nil
}

// decodePlaud decrypts an encrypted bundle, then extracts the plaintext
// ZIP or keeps it as a bare log.
func (m *Materializer) decodePlaud(ws *Workspace, rawPath string, budget *SizeBudget) error {
	base := filepath.Base(rawPath)
	decrypted := rawPath + ".dec"

	isZip, err := DecryptFile(decrypted, rawPath)
	if err != nil {
		return models.WrapFailure(models.FailDecrypt, err, fmt.Sprintf("decrypt %q", base))
	}
	defer os.Remove(decrypted)

	if isZip {
		dest := filepath.Join(ws.Logs(), stem(base))
		if err := ExtractZip(dest, decrypted, budget); err != nil {
			// Wrong key or corrupt upload shows up as an unreadable
			// archive, which is a decrypt problem from the user's view.
			return models.WrapFailure(models.FailDecrypt, err, fmt.Sprintf("unpack decrypted %q", base))
		}
		return nil
	}

	dest := filepath.Join(ws.Logs(), stem(base)+".log")
	if err := copyCharged(dest, decrypted, budget); err != nil {
		return models.WrapFailure(models.FailDecrypt, err, fmt.Sprintf("store decrypted %q", base))
	}
	return nil
}

func stem(name string) string {
	name = strings.TrimSuffix(name, filepath.Ext(name))
	// handle .tar.gz's second extension
	if strings.HasSuffix(strings.ToLower(name), ".tar") {
		name = strings.TrimSuffix(name, filepath.Ext(name))
	}
	return name
}

func isZipFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	header := make([]byte, len(zipMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return false
	}
	return bytes.Equal(header, zipMagic)
}

func copyFile(dst, src string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	return writeStream(dst, in)
}

func writeStream(dst string, r io.Reader) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyCharged(dst, src string, budget *SizeBudget) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := budget.copyCharged(filepath.Base(src), out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func countFiles(dir string) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			n++
		}
		return nil
	})
	return n, err
}
