package drive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// File and directory names inside a drive directory.
const (
	headerFileName = "header.json"
	indexDirName   = ".index"
	tempPrefix     = ".tmp-"
	oldPrefix      = ".old-"
	payloadPrefix  = "p_"
	thumbPrefix    = "t_"
	dirPerm        = 0o700
	filePerm       = 0o600
)

// FileStore is a Store on the local filesystem:
//
//	<root>/drives/<drive id>/<file id>/header.json
//	<root>/drives/<drive id>/<file id>/p_<payload key>
//	<root>/drives/<drive id>/<file id>/t_<payload key>_<w>x<h>
//	<root>/drives/<drive id>/.index/<global transit id>   (contains the file id)
//	<root>/staging/<marker>/...                          (inbound parts)
//
// A file directory is built under a temporary name and renamed into place.
type FileStore struct {
	root   string
	logger *slog.Logger
}

// NewFileStore creates the directory skeleton under root.
func NewFileStore(root string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	for _, dir := range []string{filepath.Join(root, "drives"), filepath.Join(root, "staging")} {
		if err := os.MkdirAll(dir, dirPerm); err != nil {
			return nil, fmt.Errorf("drive: creating %s: %w", dir, err)
		}
	}

	return &FileStore{root: root, logger: logger}, nil
}

// DriveDir is the directory holding a drive's files. The watcher observes it.
func (s *FileStore) DriveDir(driveID uuid.UUID) string {
	return filepath.Join(s.root, "drives", driveID.String())
}

func (s *FileStore) fileDir(ref FileRef) string {
	return filepath.Join(s.DriveDir(ref.DriveID), ref.FileID.String())
}

// IsInternalName reports whether a directory entry name belongs to the store's
// bookkeeping (temp, old, and index entries) rather than to a file.
func IsInternalName(name string) bool {
	return strings.HasPrefix(name, ".")
}

// GetHeader reads a file's header.
func (s *FileStore) GetHeader(_ context.Context, ref FileRef) (*FileHeader, error) {
	return readHeader(filepath.Join(s.fileDir(ref), headerFileName))
}

func readHeader(path string) (*FileHeader, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filepath.Dir(path))
	}

	if err != nil {
		return nil, fmt.Errorf("drive: reading header: %w", err)
	}

	var h FileHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("drive: decoding header %s: %w", path, err)
	}

	return &h, nil
}

// FindByGlobalTransitID resolves the cross-identity id to the local file.
func (s *FileStore) FindByGlobalTransitID(ctx context.Context, driveID, globalTransitID uuid.UUID) (*FileHeader, error) {
	data, err := os.ReadFile(filepath.Join(s.DriveDir(driveID), indexDirName, globalTransitID.String()))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: global transit id %s", ErrNotFound, globalTransitID)
	}

	if err != nil {
		return nil, fmt.Errorf("drive: reading transit index: %w", err)
	}

	fileID, err := uuid.Parse(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("drive: corrupt transit index for %s: %w", globalTransitID, err)
	}

	return s.GetHeader(ctx, FileRef{DriveID: driveID, FileID: fileID})
}

// ReadPayload returns a payload's stored (encrypted) bytes.
func (s *FileStore) ReadPayload(_ context.Context, ref FileRef, key string) ([]byte, error) {
	return readPayload(s.fileDir(ref), key)
}

// ReadThumbnail returns a thumbnail's stored (encrypted) bytes.
func (s *FileStore) ReadThumbnail(_ context.Context, ref FileRef, key string, width, height int) ([]byte, error) {
	return readThumbnail(s.fileDir(ref), ThumbnailKey{PayloadKey: key, Width: width, Height: height})
}

func readBlob(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}

	if err != nil {
		return nil, fmt.Errorf("drive: reading blob: %w", err)
	}

	return data, nil
}

// payloadPath and thumbnailPath refuse keys that could name anything but a
// plain file inside dir.
func payloadPath(dir, key string) (string, error) {
	if err := ValidatePayloadKey(key); err != nil {
		return "", err
	}

	return filepath.Join(dir, payloadPrefix+key), nil
}

func thumbnailPath(dir string, k ThumbnailKey) (string, error) {
	if err := ValidatePayloadKey(k.PayloadKey); err != nil {
		return "", err
	}

	if k.Width <= 0 || k.Height <= 0 {
		return "", fmt.Errorf("%w: %q has a %dx%d thumbnail", ErrInvalidKey, k.PayloadKey, k.Width, k.Height)
	}

	return filepath.Join(dir, fmt.Sprintf("%s%s_%dx%d", thumbPrefix, k.PayloadKey, k.Width, k.Height)), nil
}

func writePayload(dir, key string, data []byte) error {
	path, err := payloadPath(dir, key)
	if err != nil {
		return err
	}

	return writeFile(path, data)
}

func writeThumbnail(dir string, k ThumbnailKey, data []byte) error {
	path, err := thumbnailPath(dir, k)
	if err != nil {
		return err
	}

	return writeFile(path, data)
}

func readPayload(dir, key string) ([]byte, error) {
	path, err := payloadPath(dir, key)
	if err != nil {
		return nil, err
	}

	return readBlob(path)
}

func readThumbnail(dir string, k ThumbnailKey) ([]byte, error) {
	path, err := thumbnailPath(dir, k)
	if err != nil {
		return nil, err
	}

	return readBlob(path)
}

// SaveFile writes a locally authored file.
func (s *FileStore) SaveFile(_ context.Context, header *FileHeader, blobs Blobs) error {
	return s.commit(header, func(dir string) error {
		for key, data := range blobs.Payloads {
			if err := writePayload(dir, key, data); err != nil {
				return err
			}
		}

		for k, data := range blobs.Thumbnails {
			if err := writeThumbnail(dir, k, data); err != nil {
				return err
			}
		}

		return nil
	})
}

// ApplyIncomingFile writes a received file. The staged blobs are linked (or
// copied) so the staging area survives until the caller discards it.
func (s *FileStore) ApplyIncomingFile(_ context.Context, header *FileHeader, staged *Staging) error {
	return s.commit(header, func(dir string) error {
		return staged.linkInto(dir, header.Metadata.Payloads)
	})
}

// UpdatePayloads replaces a subset of an existing file's payloads.
func (s *FileStore) UpdatePayloads(ctx context.Context, staged *Staging, target FileRef, payloads []PayloadDescriptor) error {
	current, err := s.GetHeader(ctx, target)
	if err != nil {
		return err
	}

	next := *current
	next.Metadata.Payloads = mergePayloads(current.Metadata.Payloads, payloads)

	tag, err := NewVersionTag(next.Metadata)
	if err != nil {
		return err
	}

	next.VersionTag = tag

	replaced := make(map[string]bool, len(payloads))
	for _, p := range payloads {
		replaced[p.Key] = true
	}

	src := s.fileDir(target)

	return s.commit(&next, func(dir string) error {
		// Carry over every blob not being replaced.
		entries, err := os.ReadDir(src)
		if err != nil {
			return fmt.Errorf("drive: listing %s: %w", src, err)
		}

		for _, e := range entries {
			if e.Name() == headerFileName || replaced[blobPayloadKey(e.Name())] {
				continue
			}

			if err := linkOrCopy(filepath.Join(src, e.Name()), filepath.Join(dir, e.Name())); err != nil {
				return err
			}
		}

		return staged.linkInto(dir, payloads)
	})
}

// blobPayloadKey extracts the payload key from a blob file name.
func blobPayloadKey(name string) string {
	switch {
	case strings.HasPrefix(name, payloadPrefix):
		return strings.TrimPrefix(name, payloadPrefix)
	case strings.HasPrefix(name, thumbPrefix):
		rest := strings.TrimPrefix(name, thumbPrefix)
		if i := strings.LastIndex(rest, "_"); i >= 0 {
			return rest[:i]
		}

		return rest
	default:
		return ""
	}
}

func mergePayloads(current, updates []PayloadDescriptor) []PayloadDescriptor {
	out := make([]PayloadDescriptor, 0, len(current)+len(updates))
	byKey := make(map[string]PayloadDescriptor, len(updates))

	for _, p := range updates {
		byKey[p.Key] = p
	}

	for _, p := range current {
		if u, ok := byKey[p.Key]; ok {
			out = append(out, u)
			delete(byKey, p.Key)

			continue
		}

		out = append(out, p)
	}

	for _, p := range updates {
		if _, pending := byKey[p.Key]; pending {
			out = append(out, p)
		}
	}

	return out
}

// Delete removes a file and its transit index entry. Deleting a missing file
// returns ErrNotFound.
func (s *FileStore) Delete(ctx context.Context, ref FileRef) error {
	header, err := s.GetHeader(ctx, ref)
	if err != nil {
		return err
	}

	dir := s.fileDir(ref)
	old := filepath.Join(s.DriveDir(ref.DriveID), oldPrefix+ref.FileID.String()+"-"+uuid.NewString())

	if err := os.Rename(dir, old); err != nil {
		return fmt.Errorf("drive: detaching %s: %w", ref, err)
	}

	if header.GlobalTransitID != uuid.Nil {
		idx := filepath.Join(s.DriveDir(ref.DriveID), indexDirName, header.GlobalTransitID.String())
		if err := os.Remove(idx); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("removing transit index entry",
				slog.String("file", ref.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := os.RemoveAll(old); err != nil {
		s.logger.Warn("removing deleted file directory",
			slog.String("path", old),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Debug("file deleted", slog.String("file", ref.String()))

	return nil
}

// commit builds a complete file directory under a temporary name, then swaps
// it in. fill writes the blobs; commit writes the header and index entry.
func (s *FileStore) commit(header *FileHeader, fill func(dir string) error) error {
	if err := header.Metadata.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrApply, err)
	}

	ref := header.Ref()
	driveDir := s.DriveDir(ref.DriveID)

	if err := os.MkdirAll(filepath.Join(driveDir, indexDirName), dirPerm); err != nil {
		return fmt.Errorf("%w: creating drive directory: %w", ErrApply, err)
	}

	tmp, err := os.MkdirTemp(driveDir, tempPrefix+ref.FileID.String()+"-")
	if err != nil {
		return fmt.Errorf("%w: creating temp directory: %w", ErrApply, err)
	}

	success := false
	defer func() {
		if !success {
			os.RemoveAll(tmp)
		}
	}()

	if err := fill(tmp); err != nil {
		return fmt.Errorf("%w: %w", ErrApply, err)
	}

	data, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding header: %w", ErrApply, err)
	}

	if err := writeFile(filepath.Join(tmp, headerFileName), data); err != nil {
		return fmt.Errorf("%w: %w", ErrApply, err)
	}

	target := s.fileDir(ref)
	old := ""

	if _, statErr := os.Stat(target); statErr == nil {
		old = filepath.Join(driveDir, oldPrefix+ref.FileID.String()+"-"+uuid.NewString())
		if err := os.Rename(target, old); err != nil {
			return fmt.Errorf("%w: detaching previous version: %w", ErrApply, err)
		}
	}

	if err := os.Rename(tmp, target); err != nil {
		if old != "" {
			// Put the previous version back.
			if restoreErr := os.Rename(old, target); restoreErr != nil {
				s.logger.Error("restoring previous file version",
					slog.String("file", ref.String()),
					slog.String("error", restoreErr.Error()),
				)
			}
		}

		return fmt.Errorf("%w: installing file: %w", ErrApply, err)
	}

	success = true

	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			s.logger.Warn("removing previous file version",
				slog.String("path", old),
				slog.String("error", err.Error()),
			)
		}
	}

	if header.GlobalTransitID != uuid.Nil {
		idx := filepath.Join(driveDir, indexDirName, header.GlobalTransitID.String())
		if err := writeFileAtomic(idx, []byte(ref.FileID.String())); err != nil {
			return fmt.Errorf("%w: writing transit index: %w", ErrApply, err)
		}
	}

	s.logger.Debug("file committed",
		slog.String("file", ref.String()),
		slog.String("version_tag", header.VersionTag),
	)

	return nil
}

func writeFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("drive: writing %s: %w", filepath.Base(path), err)
	}

	return nil
}

// writeFileAtomic writes via a temp file and rename.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, filePerm); err != nil {
		return fmt.Errorf("drive: writing %s: %w", filepath.Base(tmp), err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("drive: renaming %s: %w", filepath.Base(path), err)
	}

	return nil
}

func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("drive: opening %s: %w", filepath.Base(src), err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return fmt.Errorf("drive: creating %s: %w", filepath.Base(dst), err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("drive: copying %s: %w", filepath.Base(src), err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("drive: closing %s: %w", filepath.Base(dst), err)
	}

	return nil
}

var _ Store = (*FileStore)(nil)
