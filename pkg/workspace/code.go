package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// MountCode exposes the configured code checkout inside the workspace
// as code/repo. The checkout is shared read-only across tasks, so it is
// linked rather than copied. Missing configuration or a missing
// checkout is not an error: code access is advisory and analysis
// proceeds on logs alone.
func MountCode(ws *Workspace, repoPath string) (bool, error) {
	if repoPath == "" {
		return false, nil
	}
	info, err := os.Stat(repoPath)
	if err != nil || !info.IsDir() {
		return false, nil
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return false, fmt.Errorf("resolve code repo %s: %w", repoPath, err)
	}
	link := filepath.Join(ws.Code(), "repo")
	if err := os.Symlink(abs, link); err != nil {
		return false, fmt.Errorf("mount code repo into %s: %w", link, err)
	}
	return true, nil
}
