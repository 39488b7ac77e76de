// Package workspace builds the on-disk working directory an agent run
// operates in: raw inputs, decoded logs, rule playbooks, optional code
// checkout, and the output contract.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Subdirectory names inside one task workspace.
const (
	RawDir    = "raw"    // artifacts exactly as received
	LogsDir   = "logs"   // decrypted/extracted plaintext logs
	RulesDir  = "rules"  // selected rule bodies, execution order
	CodeDir   = "code"   // optional read-only code checkout
	OutputDir = "output" // agent writes result.json here

	PromptFile     = "prompt.md"
	TranscriptFile = "transcript.txt"
	ResultFile     = "result.json"
)

// Workspace is one task's working directory.
type Workspace struct {
	Root   string // {workspace_dir}/{task_id}
	TaskID string
}

// Create makes the workspace skeleton for a task. An existing directory
// for the same task id is removed first, so a re-enqueued task starts
// clean.
func Create(baseDir, taskID string) (*Workspace, error) {
	root := filepath.Join(baseDir, taskID)
	if err := os.RemoveAll(root); err != nil {
		return nil, fmt.Errorf("reset workspace %s: %w", root, err)
	}
	for _, sub := range []string{RawDir, LogsDir, RulesDir, CodeDir, OutputDir} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace %s: %w", root, err)
		}
	}
	return &Workspace{Root: root, TaskID: taskID}, nil
}

// Open returns the workspace for an existing task directory.
func Open(baseDir, taskID string) (*Workspace, error) {
	root := filepath.Join(baseDir, taskID)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("open workspace %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", root)
	}
	return &Workspace{Root: root, TaskID: taskID}, nil
}

func (w *Workspace) Raw() string    { return filepath.Join(w.Root, RawDir) }
func (w *Workspace) Logs() string   { return filepath.Join(w.Root, LogsDir) }
func (w *Workspace) Rules() string  { return filepath.Join(w.Root, RulesDir) }
func (w *Workspace) Code() string   { return filepath.Join(w.Root, CodeDir) }
func (w *Workspace) Output() string { return filepath.Join(w.Root, OutputDir) }

// PromptPath is where the rendered agent prompt lives.
func (w *Workspace) PromptPath() string { return filepath.Join(w.Root, PromptFile) }

// TranscriptPath is where the agent's captured stdout lives.
func (w *Workspace) TranscriptPath() string { return filepath.Join(w.Root, TranscriptFile) }

// ResultPath is the primary location the agent is instructed to write
// its structured verdict to.
func (w *Workspace) ResultPath() string { return filepath.Join(w.Output(), ResultFile) }

// Remove deletes the whole workspace tree.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Root)
}
