package ensemble

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/msageha/quorum/internal/model"
)

// Stager prepares an isolated workspace for one candidate, so concurrent
// candidates never write over each other or the task's own tree. The slot is
// the tier name, with a distinct suffix when a tier is re-invoked as the
// tie-break arbiter.
type Stager interface {
	Stage(ctx context.Context, task *model.Task, slot string) (string, error)
}

// TreeStager copies the task workspace under the staging root, one copy per
// (task, slot). Build artifacts and VCS metadata are skipped; cargo rebuilds
// them inside the staged copy.
type TreeStager struct {
	root string
}

func NewTreeStager(quorumDir string) *TreeStager {
	return &TreeStager{root: filepath.Join(quorumDir, "staging")}
}

var stagingSkipDirs = map[string]bool{
	"target":  true,
	".git":    true,
	".quorum": true,
}

func (s *TreeStager) Stage(ctx context.Context, task *model.Task, slot string) (string, error) {
	dest := filepath.Join(s.root, task.ID, slot)
	if err := os.RemoveAll(dest); err != nil {
		return "", fmt.Errorf("clear staging dir %s: %w", dest, err)
	}
	if err := copyTree(ctx, task.Workdir, dest); err != nil {
		return "", fmt.Errorf("stage %s for %s: %w", task.Workdir, slot, err)
	}
	return dest, nil
}

// Cleanup removes every staged copy for a task once its round is resolved.
func (s *TreeStager) Cleanup(taskID string) error {
	return os.RemoveAll(filepath.Join(s.root, taskID))
}

func copyTree(ctx context.Context, src, dest string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if rel != "." && stagingSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dest, rel), 0755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return copyFile(path, filepath.Join(dest, rel))
	})
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
