package storage

import (
	"fmt"
	"os"
)

// Dir manages a temporary user data directory for one browser process.
type Dir struct {
	Dir string

	remove bool
}

// Make creates a new temporary directory in tmpDir, or uses dir if it is
// not empty. Only directories created by Make are removed by Cleanup.
func (d *Dir) Make(tmpDir, dir string) error {
	if dir != "" {
		d.Dir = dir
		return nil
	}

	var err error
	if d.Dir, err = os.MkdirTemp(tmpDir, "mcp-web-scraper-data-*"); err != nil {
		return fmt.Errorf("making user data directory: %w", err)
	}
	d.remove = true

	return nil
}

// Cleanup removes the directory if Make created it. It is safe to call more
// than once.
func (d *Dir) Cleanup() error {
	if !d.remove {
		return nil
	}
	d.remove = false
	if err := os.RemoveAll(d.Dir); err != nil {
		return fmt.Errorf("removing user data directory %q: %w", d.Dir, err)
	}

	return nil
}
