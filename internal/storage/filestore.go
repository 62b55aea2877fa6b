// Package storage keeps generated images and their thumbnails on disk.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const thumbnailExt = "jpg"

// FileStore writes images under a root directory
type FileStore struct {
	imageDir     string
	thumbDir     string
	referenceDir string
	baseURL      string
}

// NewFileStore creates the directories it needs
func NewFileStore(imageDir, thumbDir, baseURL string) (*FileStore, error) {
	if imageDir == "" {
		return nil, fmt.Errorf("image directory is not configured")
	}
	if thumbDir == "" {
		thumbDir = filepath.Join(imageDir, "thumbnails")
	}
	referenceDir := filepath.Join(imageDir, "references")

	for _, dir := range []string{imageDir, thumbDir, referenceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	return &FileStore{
		imageDir:     imageDir,
		thumbDir:     thumbDir,
		referenceDir: referenceDir,
		baseURL:      strings.TrimRight(baseURL, "/"),
	}, nil
}

// ImageFilename returns the file name used for one slot of a batch
func ImageFilename(batchID string, imageNumber int, ext string) string {
	return fmt.Sprintf("%s_%d.%s", sanitize(batchID), imageNumber, ext)
}

// SaveImage writes the raw image for a slot and returns its file name
func (s *FileStore) SaveImage(batchID string, imageNumber int, ext string, data []byte) (string, error) {
	name := ImageFilename(batchID, imageNumber, ext)
	if err := writeFileAtomic(filepath.Join(s.imageDir, name), data); err != nil {
		return "", fmt.Errorf("failed to save image: %w", err)
	}
	return name, nil
}

// ReadImage returns the raw bytes of a stored image
func (s *FileStore) ReadImage(filename string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.imageDir, filepath.Base(filename)))
}

// RemoveImage deletes a stored image and its thumbnail if present
func (s *FileStore) RemoveImage(filename string) error {
	filename = filepath.Base(filename)
	_ = os.Remove(filepath.Join(s.thumbDir, ThumbnailFilename(filename)))
	if err := os.Remove(filepath.Join(s.imageDir, filename)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ThumbnailFilename maps an image file name to its thumbnail file name
func ThumbnailFilename(filename string) string {
	return strings.TrimSuffix(filename, filepath.Ext(filename)) + "." + thumbnailExt
}

// SaveThumbnail writes the thumbnail belonging to filename
func (s *FileStore) SaveThumbnail(filename string, data []byte) error {
	path := filepath.Join(s.thumbDir, ThumbnailFilename(filepath.Base(filename)))
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to save thumbnail: %w", err)
	}
	return nil
}

// SaveReference writes a reference image attached to a batch
func (s *FileStore) SaveReference(batchID string, index int, ext string, data []byte) (string, error) {
	name := fmt.Sprintf("%s_ref_%d.%s", sanitize(batchID), index+1, ext)
	if err := writeFileAtomic(filepath.Join(s.referenceDir, name), data); err != nil {
		return "", fmt.Errorf("failed to save reference image: %w", err)
	}
	return name, nil
}

// PublicURL returns the address the file is served from
func (s *FileStore) PublicURL(filename string) string {
	if s.baseURL == "" {
		return filename
	}
	return s.baseURL + "/" + filename
}

// ImageDir returns the directory holding full-size images
func (s *FileStore) ImageDir() string { return s.imageDir }

// ThumbnailDir returns the directory holding thumbnails
func (s *FileStore) ThumbnailDir() string { return s.thumbDir }

func writeFileAtomic(path string, data []byte) error {
	tmp := filepath.Join(filepath.Dir(path), "."+uuid.NewString()+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '-'
	}, s)
}
