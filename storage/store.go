// SPDX-License-Identifier: GPL-3.0-or-later
package storage

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// FileStore keeps attachment blobs on an afero filesystem. Paths are slash separated and relative
// to the root of the filesystem.
type FileStore struct {
	fs afero.Fs
	l  *logrus.Logger
}

func NewFileStore(fs afero.Fs, l *logrus.Logger) *FileStore {
	return &FileStore{
		fs: fs,
		l:  l,
	}
}

// NewDiskStore roots a FileStore at dir, creating it if needed.
func NewDiskStore(dir string, l *logrus.Logger) (*FileStore, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("could not create attachments root: %w", err)
	}

	l.WithField("root", dir).Info("Storing attachments on disk")
	return NewFileStore(afero.NewBasePathFs(afero.NewOsFs(), dir), l), nil
}

// Save writes content to p. The blob is written to a temporary file first so readers never see a
// partially written attachment.
func (s *FileStore) Save(p string, content []byte) error {
	p = fsPath(p)
	dir := path.Dir(p)
	err := s.fs.MkdirAll(dir, 0o755)
	if err != nil {
		return fmt.Errorf("could not create directory %s: %w", dir, err)
	}

	f, err := afero.TempFile(s.fs, dir, ".upload-")
	if err != nil {
		return fmt.Errorf("could not create temporary file: %w", err)
	}
	tmpName := f.Name()

	_, err = f.Write(content)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("could not write attachment: %w", err)
	}

	err = s.fs.Rename(tmpName, p)
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("could not move attachment into place: %w", err)
	}

	s.l.WithFields(logrus.Fields{"path": p, "size": len(content)}).Debug("Stored attachment")
	return nil
}

func (s *FileStore) Open(p string) (afero.File, error) {
	f, err := s.fs.Open(fsPath(p))
	if err != nil {
		return nil, fmt.Errorf("could not open attachment: %w", err)
	}
	return f, nil
}

// PublicURL returns the absolute path under which Handler serves p.
func (s *FileStore) PublicURL(p string) string {
	u := url.URL{Path: "/" + strings.TrimPrefix(p, "/")}
	return u.EscapedPath()
}

// Handler serves stored files by their PublicURL. Directories are not listed.
func (s *FileStore) Handler() http.Handler {
	files := http.FileServer(afero.NewHttpFs(s.fs))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		info, err := s.fs.Stat(fsPath(r.URL.Path))
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}
		files.ServeHTTP(w, r)
	})
}

func fsPath(p string) string {
	return path.Clean("/" + p)
}
