package workspace

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// SizeBudget enforces the per-entry and per-task uncompressed caps
// while archives are expanded. One budget spans all artifacts of a
// task, so nested archives cannot multiply past the total.
type SizeBudget struct {
	EntryLimit int64
	TotalLimit int64
	used       int64
}

// ErrBudgetExceeded marks extraction aborts due to size caps.
type ErrBudgetExceeded struct {
	Entry string
	Limit int64
	Total bool
}

func (e *ErrBudgetExceeded) Error() string {
	if e.Total {
		return fmt.Sprintf("extraction aborted at %q: total uncompressed size exceeds %d bytes", e.Entry, e.Limit)
	}
	return fmt.Sprintf("archive entry %q exceeds the %d byte entry limit", e.Entry, e.Limit)
}

// Used returns the uncompressed bytes charged so far.
func (b *SizeBudget) Used() int64 { return b.used }

func (b *SizeBudget) charge(entry string, n int64) error {
	if b.EntryLimit > 0 && n > b.EntryLimit {
		return &ErrBudgetExceeded{Entry: entry, Limit: b.EntryLimit}
	}
	if b.TotalLimit > 0 && b.used+n > b.TotalLimit {
		return &ErrBudgetExceeded{Entry: entry, Limit: b.TotalLimit, Total: true}
	}
	b.used += n
	return nil
}

// copyCharged copies r to w while charging the budget, catching entries
// whose declared size lied.
func (b *SizeBudget) copyCharged(entry string, w io.Writer, r io.Reader) error {
	buf := make([]byte, 64<<10)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := b.charge(entry, int64(n)); err != nil {
				return err
			}
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write %s: %w", entry, werr)
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", entry, rerr)
		}
	}
}

// safeJoin resolves an archive entry name under destDir and rejects
// absolute paths and any traversal outside destDir.
func safeJoin(destDir, name string) (string, error) {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("archive entry %q has an absolute path", name)
	}
	dest := filepath.Join(destDir, name)
	if dest != destDir && !strings.HasPrefix(dest, destDir+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes the extraction directory", name)
	}
	return dest, nil
}

// ExtractZip expands a ZIP archive into destDir.
func ExtractZip(destDir, src string, budget *SizeBudget) error {
	zr, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("open zip %s: %w", src, err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		dest, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		mode := f.Mode()
		if mode.IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", dest, err)
			}
			continue
		}
		// Symlinks in user-supplied bundles are dropped, not followed.
		if mode&os.ModeSymlink != 0 {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("mkdir for %s: %w", dest, err)
		}
		if err := extractZipEntry(dest, f, budget); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(dest string, f *zip.File, budget *SizeBudget) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("open zip entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	return budget.copyCharged(f.Name, out, rc)
}

// ExtractTar expands a tar stream (already decompressed) into destDir.
func ExtractTar(destDir string, r io.Reader, budget *SizeBudget) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar: %w", err)
		}
		dest, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("mkdir %s: %w", dest, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return fmt.Errorf("mkdir for %s: %w", dest, err)
			}
			out, err := os.Create(dest)
			if err != nil {
				return fmt.Errorf("create %s: %w", dest, err)
			}
			if err := budget.copyCharged(hdr.Name, out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close %s: %w", dest, err)
			}
		default:
			// Links and specials in log bundles are dropped.
		}
	}
}

// ExtractTarGz expands a .tar.gz / .tgz archive into destDir.
func ExtractTarGz(destDir, src string, budget *SizeBudget) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("gunzip %s: %w", src, err)
	}
	defer gz.Close()

	return ExtractTar(destDir, gz, budget)
}

// ExtractGzip decompresses a single-file .gz into dest.
func ExtractGzip(dest, src string, budget *SizeBudget) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("gunzip %s: %w", src, err)
	}
	defer gz.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	return budget.copyCharged(filepath.Base(src), out, gz)
}
