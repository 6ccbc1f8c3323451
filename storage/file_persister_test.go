package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFilePersister(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		path         string
		existingData string
		data         string
		truncates    bool
		wantErr      error
	}{
		{
			name: "just_file",
			path: "shot.png",
			data: "some data",
		},
		{
			name: "with_dir",
			path: "shots/session/shot.png",
			data: "some data",
		},
		{
			name:         "truncates",
			path:         "shot.png",
			data:         "some data",
			truncates:    true,
			existingData: "existing data",
		},
		{
			name:    "escapes_base",
			path:    "../../etc/shot.png",
			data:    "some data",
			wantErr: ErrOutsideBaseDir,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			l := &LocalFilePersister{BaseDir: dir}

			if tt.wantErr != nil {
				err := l.Persist(context.Background(), tt.path, strings.NewReader(tt.data))
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}

			p := filepath.Join(dir, tt.path)

			// The persister must truncate what was there before.
			if tt.truncates {
				err := os.WriteFile(p, []byte(tt.existingData), 0o600)
				require.NoError(t, err)
			}

			err := l.Persist(context.Background(), tt.path, strings.NewReader(tt.data))
			assert.NoError(t, err)

			i, err := os.Stat(p)
			require.NoError(t, err)
			assert.False(t, i.IsDir())

			f, err := os.Open(filepath.Clean(p))
			require.NoError(t, err)
			defer func() {
				err = f.Close()
				require.NoError(t, err)
			}()

			bb, err := io.ReadAll(f)
			require.NoError(t, err)

			if tt.truncates {
				assert.NotEqual(t, tt.existingData, string(bb))
			}

			assert.Equal(t, tt.data, string(bb))
		})
	}
}

func TestLocalFilePersisterCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l := &LocalFilePersister{BaseDir: t.TempDir()}
	err := l.Persist(ctx, "shot.png", strings.NewReader("x"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDir(t *testing.T) {
	t.Parallel()

	t.Run("temporary", func(t *testing.T) {
		t.Parallel()

		var d Dir
		require.NoError(t, d.Make(t.TempDir(), ""))
		_, err := os.Stat(d.Dir)
		require.NoError(t, err)

		require.NoError(t, d.Cleanup())
		_, err = os.Stat(d.Dir)
		assert.True(t, os.IsNotExist(err))
		assert.NoError(t, d.Cleanup())
	})
	t.Run("given", func(t *testing.T) {
		t.Parallel()

		given := t.TempDir()
		var d Dir
		require.NoError(t, d.Make("", given))
		assert.Equal(t, given, d.Dir)

		require.NoError(t, d.Cleanup())
		_, err := os.Stat(given)
		assert.NoError(t, err, "user supplied directories are kept")
	})
}
