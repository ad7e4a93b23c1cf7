// Package storage places received files on disk. Files land in a category
// folder picked from their extension and are written append-only.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidFileName is returned for names that cannot be placed under the root.
var ErrInvalidFileName = errors.New("invalid file name")

// DefaultCategory is used for extensions missing from the category table.
const DefaultCategory = "other"

var categories = map[string]string{
	"mp4":  "videos",
	"avi":  "videos",
	"mov":  "videos",
	"mp3":  "audio",
	"wav":  "audio",
	"jpg":  "images",
	"jpeg": "images",
	"png":  "images",
	"gif":  "images",
	"pdf":  "documents",
	"doc":  "documents",
	"docx": "documents",
	"txt":  "documents",
}

// Category returns the folder a file belongs in.
func Category(fileName string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(fileName), "."))
	if c, ok := categories[ext]; ok {
		return c
	}
	return DefaultCategory
}

// Artifact is an open, append-only output file.
type Artifact interface {
	io.Writer
	Close() error
	Path() string
}

// Store is the storage surface the receiver depends on.
type Store interface {
	// Create opens a fresh artifact for fileName, creating its category folder
	// and truncating any previous file at the same path.
	Create(fileName string) (Artifact, error)
	// Remove deletes the artifact for fileName. A missing file is not an error.
	Remove(fileName string) error
	// Path returns where fileName is stored.
	Path(fileName string) (string, error)
}

// Disk stores artifacts under a root directory.
type Disk struct {
	root string
}

// NewDisk returns a Disk rooted at root. The root is created lazily.
func NewDisk(root string) *Disk {
	return &Disk{root: root}
}

// Root returns the download root.
func (d *Disk) Root() string {
	return d.root
}

// Path returns root/category/base(fileName).
func (d *Disk) Path(fileName string) (string, error) {
	base, err := cleanName(fileName)
	if err != nil {
		return "", err
	}
	return filepath.Join(d.root, Category(base), base), nil
}

func (d *Disk) Create(fileName string) (Artifact, error) {
	path, err := d.Path(fileName)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create category dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return &fileArtifact{f: f, path: path}, nil
}

func (d *Disk) Remove(fileName string) error {
	path, err := d.Path(fileName)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// cleanName strips any directory part so a sender cannot write outside the root.
func cleanName(fileName string) (string, error) {
	name := strings.TrimSpace(strings.ReplaceAll(fileName, "\\", "/"))
	base := filepath.Base(filepath.Clean("/" + name))
	if base == "" || base == "." || base == ".." || base == "/" || base == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}
	return base, nil
}

type fileArtifact struct {
	f      *os.File
	path   string
	closed bool
}

func (a *fileArtifact) Write(p []byte) (int, error) {
	return a.f.Write(p)
}

func (a *fileArtifact) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.f.Close()
}

func (a *fileArtifact) Path() string {
	return a.path
}
