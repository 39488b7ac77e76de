package workspace

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// SnapshotFile is the post-mortem archive left behind by Snapshot.
const SnapshotFile = "snapshot.tar"

// Snapshot condenses a failed run's workspace into a post-mortem
// archive: the decoded logs, the rendered prompt, and the agent
// transcript go into snapshot.tar and everything else is removed. The
// directory then holds only the archive until retention deletes it.
func (w *Workspace) Snapshot() error {
	tmp := filepath.Join(w.Root, SnapshotFile+".partial")
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	tw := tar.NewWriter(f)

	err = addTree(tw, w.Logs(), LogsDir)
	for _, name := range []string{PromptFile, TranscriptFile} {
		if err != nil {
			break
		}
		err = addFile(tw, filepath.Join(w.Root, name), name)
	}
	if cerr := tw.Close(); err == nil {
		err = cerr
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(w.Root, SnapshotFile)); err != nil {
		return fmt.Errorf("finalize snapshot: %w", err)
	}

	entries, err := os.ReadDir(w.Root)
	if err != nil {
		return fmt.Errorf("clear workspace after snapshot: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == SnapshotFile {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.Root, entry.Name())); err != nil {
			return fmt.Errorf("clear workspace after snapshot: %w", err)
		}
	}
	return nil
}

// addTree archives every regular file under dir with paths relative to
// prefix. A missing dir is skipped, not an error.
func addTree(tw *tar.Writer, dir, prefix string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, rerr := filepath.Rel(dir, path)
		if rerr != nil {
			return rerr
		}
		return addFile(tw, path, filepath.ToSlash(filepath.Join(prefix, rel)))
	})
}

func addFile(tw *tar.Writer, path, name string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}
