// Package pvc implements the shared-volume download variant. A pvc:// source
// names a path on a mounted volume; the variant performs a recursive,
// partial-transfer-resumable copy into the destination using rsync.
package pvc

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/matrixinfer-ai/kthena/internal/backend"
	"github.com/matrixinfer-ai/kthena/internal/logctx"
)

const sourceScheme = "pvc://"

const dirPerm = 0o755

// Copier copies a directory tree from a mounted volume. The rsync binary is
// resolved at construction time so a missing tool surfaces as a resolution
// error instead of a mid-transfer failure.
type Copier struct {
	source     string
	sourcePath string
	rsyncPath  string
}

// New builds a Copier from a pvc:// source. The path after the scheme is
// resolved to an absolute mount path.
func New(source string) (*Copier, error) {
	path := strings.TrimPrefix(source, sourceScheme)
	if path == "" {
		return nil, &backend.ResolutionError{Source: source, Reason: "no path specified in volume source"}
	}

	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	rsyncPath, err := exec.LookPath("rsync")
	if err != nil {
		return nil, &backend.ResolutionError{Source: source, Reason: "rsync is not available in this deployment", Err: err}
	}

	return &Copier{
		source:     source,
		sourcePath: filepath.Clean(path),
		rsyncPath:  rsyncPath,
	}, nil
}

func (c *Copier) Name() string { return "pvc" }

// SourcePath returns the mount path the source resolved to.
func (c *Copier) SourcePath() string { return c.sourcePath }

// Fetch verifies the volume path and copies its contents into destDir with
// rsync, streaming the tool's progress into the log. A non-zero exit status
// is fatal.
func (c *Copier) Fetch(ctx context.Context, destDir string) error {
	logger := logctx.LoggerFromContext(ctx).With("volume_path", c.sourcePath)

	info, err := os.Stat(c.sourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &backend.TransferError{Backend: c.Name(), Op: "stat_source", Err: fmt.Errorf("volume path does not exist: %s", c.sourcePath)}
		}

		return &backend.TransferError{Backend: c.Name(), Op: "stat_source", Err: err}
	}

	if !info.IsDir() {
		return &backend.TransferError{Backend: c.Name(), Op: "stat_source", Err: fmt.Errorf("volume path is not a directory: %s", c.sourcePath)}
	}

	if err := os.MkdirAll(destDir, dirPerm); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	logger.Info("starting file sync from volume", "dest", destDir)

	// Trailing slashes make rsync copy directory contents, not the
	// directory itself.
	cmd := exec.CommandContext(ctx, c.rsyncPath, "-av", "--partial", c.sourcePath+"/", destDir+"/")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &backend.TransferError{Backend: c.Name(), Op: "rsync", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &backend.TransferError{Backend: c.Name(), Op: "rsync", Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			logger.Info(line)
		}
	}

	if err := cmd.Wait(); err != nil {
		return &backend.TransferError{
			Backend: c.Name(),
			Op:      "rsync",
			Err:     fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())),
		}
	}

	logger.Info("volume sync completed", "dest", destDir)

	return nil
}
