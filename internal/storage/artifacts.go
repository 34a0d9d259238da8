package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// ArtifactStore keeps submitted binaries on the local filesystem, addressed
// by fingerprint and file name.
type ArtifactStore struct {
	dir string
}

func NewArtifactStore(dir string) (*ArtifactStore, error) {
	if dir == "" {
		return nil, errors.New("artifact directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, "create artifact directory")
	}
	return &ArtifactStore{dir: dir}, nil
}

// Path returns where the artifact for sha256 and name is stored.
func (a *ArtifactStore) Path(sha256, name string) string {
	return filepath.Join(a.dir, sha256+"_"+sanitizeName(name))
}

// Save writes content durably: the bytes are synced to a temporary file that
// is then renamed into place, so a reader never sees a partial artifact.
func (a *ArtifactStore) Save(sha256, name string, content []byte) (string, error) {
	path := a.Path(sha256, name)
	tmp, err := os.CreateTemp(a.dir, ".upload-*")
	if err != nil {
		return "", errors.Wrap(err, "create temporary artifact")
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(content); err != nil {
		cleanup()
		return "", errors.Wrap(err, "write artifact")
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", errors.Wrap(err, "sync artifact")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "close artifact")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "move artifact into place")
	}
	if d, err := os.Open(a.dir); err == nil {
		d.Sync()
		d.Close()
	}
	return path, nil
}

// Read returns the stored bytes at path.
func (a *ArtifactStore) Read(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read artifact %s", filepath.Base(path))
	}
	return content, nil
}

func sanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload.bin"
	}
	return name
}
