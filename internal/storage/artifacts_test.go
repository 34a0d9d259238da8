package storage_test

import (
	"os"
	"path/filepath"
	"testing"

	internal_storage "github.com/ignatij/trojanwalker/internal/storage"
	"github.com/stretchr/testify/assert"
)

func TestArtifactStore(t *testing.T) {
	t.Run("SaveAndRead", func(t *testing.T) {
		dir := t.TempDir()
		artifacts, err := internal_storage.NewArtifactStore(dir)
		assert.NoError(t, err)

		path, err := artifacts.Save(shaA, "a.bin", []byte("0123456789"))
		assert.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, shaA+"_a.bin"), path)

		content, err := artifacts.Read(path)
		assert.NoError(t, err)
		assert.Equal(t, "0123456789", string(content))

		entries, err := os.ReadDir(dir)
		assert.NoError(t, err)
		assert.Len(t, entries, 1, "temporary files must not be left behind")
	})

	t.Run("NameCannotEscapeDirectory", func(t *testing.T) {
		dir := t.TempDir()
		artifacts, err := internal_storage.NewArtifactStore(dir)
		assert.NoError(t, err)

		assert.Equal(t, filepath.Join(dir, shaA+"_passwd"), artifacts.Path(shaA, "../../etc/passwd"))
		assert.Equal(t, filepath.Join(dir, shaA+"_evil.exe"), artifacts.Path(shaA, `C:\tmp\evil.exe`))
		assert.Equal(t, filepath.Join(dir, shaA+"_upload.bin"), artifacts.Path(shaA, ""))
	})

	t.Run("ReadMissing", func(t *testing.T) {
		artifacts, err := internal_storage.NewArtifactStore(t.TempDir())
		assert.NoError(t, err)
		_, err = artifacts.Read(artifacts.Path(shaA, "gone.bin"))
		assert.Error(t, err)
	})

	t.Run("DirectoryRequired", func(t *testing.T) {
		_, err := internal_storage.NewArtifactStore("")
		assert.Error(t, err)
	})
}
