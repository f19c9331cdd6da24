package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Workspace computes the staging paths for one job. Outputs are written to
// the partial path first and promoted with an atomic rename, so a
// half-written file from a crashed attempt is never mistaken for a finished
// output.
type Workspace struct {
	Dir string
}

// NewWorkspace roots a job's workspace under the staging directory.
func NewWorkspace(stagingDir, jobID string) Workspace {
	return Workspace{Dir: filepath.Join(stagingDir, jobID)}
}

// PartialOutput is the in-progress transform destination.
func (w Workspace) PartialOutput() string {
	return filepath.Join(w.Dir, "output.partial.mkv")
}

// FinalOutput is the promoted transform destination.
func (w Workspace) FinalOutput() string {
	return filepath.Join(w.Dir, "output.mkv")
}

// Ensure creates the workspace directory.
func (w Workspace) Ensure() error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("create workspace %s: %w", w.Dir, err)
	}
	return nil
}

// Promote atomically renames the partial output into place.
func (w Workspace) Promote() error {
	if err := os.Rename(w.PartialOutput(), w.FinalOutput()); err != nil {
		return fmt.Errorf("promote output: %w", err)
	}
	return nil
}

// Remove deletes the workspace and everything in it.
func (w Workspace) Remove() error {
	return os.RemoveAll(w.Dir)
}

// CleanStaleWorkspaces removes job workspaces older than maxAge. Terminal
// jobs normally clean up after themselves; this sweep catches workspaces
// orphaned by crashes. Directory names are job IDs: a workspace whose job is
// still live per the active predicate is never touched, no matter its age,
// because a checkpointed job resumes from its promoted output. It returns
// the removed paths and the first error per directory encountered.
func CleanStaleWorkspaces(stagingDir string, maxAge time.Duration, active func(jobID string) bool) (removed []string, errs []error) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, []error{err}
	}

	cutoff := time.Now().Add(-maxAge)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if active != nil && active(entry.Name()) {
			continue
		}
		dirPath := filepath.Join(stagingDir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			errs = append(errs, fmt.Errorf("stat %s: %w", dirPath, err))
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(dirPath); err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", dirPath, err))
				continue
			}
			removed = append(removed, dirPath)
		}
	}
	return removed, errs
}
