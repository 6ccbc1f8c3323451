// Package storage deals with files on local disk: screenshots written on
// request of a client, and the user data directories of browsers.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrOutsideBaseDir is returned when a path escapes the persister's base
// directory.
var ErrOutsideBaseDir = errors.New("path is outside of the base directory")

// FilePersister will persist files. It abstracts away the where and how of
// writing files to the source destination.
type FilePersister interface {
	Persist(ctx context.Context, path string, data io.Reader) error
}

// LocalFilePersister will persist files to the local disk.
// Relative paths are resolved against BaseDir, and no path may leave it.
// An empty BaseDir means the current working directory.
type LocalFilePersister struct {
	BaseDir string
}

// Resolve returns the cleaned absolute location path would be written to.
func (l *LocalFilePersister) Resolve(path string) (string, error) {
	base, err := filepath.Abs(l.BaseDir)
	if err != nil {
		return "", fmt.Errorf("resolving base directory %q: %w", l.BaseDir, err)
	}
	cp := filepath.Clean(path)
	if !filepath.IsAbs(cp) {
		cp = filepath.Join(base, cp)
	}
	rel, err := filepath.Rel(base, cp)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", path, ErrOutsideBaseDir)
	}

	return cp, nil
}

// Persist will write the contents of data to the local disk on the specified path.
func (l *LocalFilePersister) Persist(ctx context.Context, path string, data io.Reader) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp, err := l.Resolve(path)
	if err != nil {
		return err
	}

	dir := filepath.Dir(cp)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating a local directory %q: %w", dir, err)
	}

	f, err := os.OpenFile(cp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating a local file %q: %w", cp, err)
	}
	defer func() {
		tempErr := f.Close()
		// Only return the close error if there isn't already an existing error.
		if tempErr != nil && err == nil {
			err = fmt.Errorf("closing the local file %q: %w", cp, tempErr)
		}
	}()

	_, err = io.Copy(f, data)

	return
}
