package drive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Staging is the landing area for the parts of one inbound transfer, keyed by
// the transfer's marker. Parts stay here until the inbox commits or discards
// the transfer.
type Staging struct {
	Marker uuid.UUID
	dir    string
}

// Stage creates (or reopens) the staging area for marker.
func (s *FileStore) Stage(marker uuid.UUID) (*Staging, error) {
	dir := filepath.Join(s.root, "staging", marker.String())
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("drive: creating staging area: %w", err)
	}

	return &Staging{Marker: marker, dir: dir}, nil
}

// OpenStaging reopens an existing staging area.
func (s *FileStore) OpenStaging(marker uuid.UUID) (*Staging, error) {
	dir := filepath.Join(s.root, "staging", marker.String())

	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: staging area %s", ErrNotFound, marker)
	}

	if err != nil {
		return nil, fmt.Errorf("drive: opening staging area: %w", err)
	}

	if !info.IsDir() {
		return nil, fmt.Errorf("drive: staging area %s is not a directory", marker)
	}

	return &Staging{Marker: marker, dir: dir}, nil
}

// DiscardStaging removes the staging area for marker. Missing is not an error.
func (s *FileStore) DiscardStaging(marker uuid.UUID) error {
	if err := os.RemoveAll(filepath.Join(s.root, "staging", marker.String())); err != nil {
		return fmt.Errorf("drive: discarding staging area %s: %w", marker, err)
	}

	return nil
}

// WritePayload stages one encrypted payload blob.
func (st *Staging) WritePayload(key string, data []byte) error {
	return writePayload(st.dir, key, data)
}

// WriteThumbnail stages one encrypted thumbnail blob.
func (st *Staging) WriteThumbnail(k ThumbnailKey, data []byte) error {
	return writeThumbnail(st.dir, k, data)
}

// ReadPayload returns a staged payload blob.
func (st *Staging) ReadPayload(key string) ([]byte, error) {
	return readPayload(st.dir, key)
}

// ReadThumbnail returns a staged thumbnail blob.
func (st *Staging) ReadThumbnail(k ThumbnailKey) ([]byte, error) {
	return readThumbnail(st.dir, k)
}

// linkInto places the staged blobs of payloads into dir. Every declared blob
// must be present.
func (st *Staging) linkInto(dir string, payloads []PayloadDescriptor) error {
	for _, p := range payloads {
		src, err := payloadPath(st.dir, p.Key)
		if err != nil {
			return err
		}

		if err := linkOrCopy(src, filepath.Join(dir, filepath.Base(src))); err != nil {
			return fmt.Errorf("payload %q: %w", p.Key, err)
		}

		for _, th := range p.Thumbnails {
			src, err := thumbnailPath(st.dir, ThumbnailKey{PayloadKey: p.Key, Width: th.Width, Height: th.Height})
			if err != nil {
				return err
			}

			name := filepath.Base(src)
			if err := linkOrCopy(src, filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("thumbnail %s: %w", name, err)
			}
		}
	}

	return nil
}
