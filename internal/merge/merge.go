// Package merge combines partial worker artifacts into one output.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/osvaldoandrade/batchsup/pkg/artifact"
)

// Merger writes final as the union of parts. Parts are left untouched; the
// caller deletes them once Merge succeeds.
type Merger interface {
	Merge(ctx context.Context, final string, parts []string) error
}

// Reweighter applies a weight to every series of an artifact in place.
type Reweighter interface {
	Reweight(path string, weight float64) error
}

// New returns a CommandMerger for a non-empty argv and the native artifact
// merger otherwise.
func New(argv []string) Merger {
	if len(argv) == 0 {
		return ArtifactMerger{}
	}
	return CommandMerger{Argv: argv}
}

type ArtifactMerger struct{}

func (ArtifactMerger) Merge(ctx context.Context, final string, parts []string) error {
	if len(parts) == 0 {
		return errors.New("merge: no inputs")
	}
	files := make([]*artifact.File, 0, len(parts))
	for _, p := range parts {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := artifact.Read(p)
		if err != nil {
			return fmt.Errorf("merge: %w", err)
		}
		files = append(files, f)
	}
	if err := artifact.Write(final, artifact.Union(files...)); err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	return nil
}

func (ArtifactMerger) Reweight(path string, weight float64) error {
	return artifact.Reweight(path, weight)
}

// CommandMerger runs an external merge tool as `argv... final parts...`,
// the calling convention of tools such as `hadd -f`.
type CommandMerger struct {
	Argv []string
}

func (m CommandMerger) Merge(ctx context.Context, final string, parts []string) error {
	if len(m.Argv) == 0 {
		return errors.New("merge: empty command")
	}
	args := make([]string, 0, len(m.Argv)-1+1+len(parts))
	args = append(args, m.Argv[1:]...)
	args = append(args, final)
	args = append(args, parts...)
	cmd := exec.CommandContext(ctx, m.Argv[0], args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("merge: %s failed: %w: %s", m.Argv[0], err, strings.TrimSpace(out.String()))
	}
	return nil
}
