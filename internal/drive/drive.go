// Package drive defines the storage partitions a tenant owns and the
// DriveFileStore contract the transit queues read from and write to. The
// FileStore type is the filesystem-backed implementation used by transitd.
package drive

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// driveNamespace seeds the deterministic drive id derived from a TargetDrive.
var driveNamespace = uuid.MustParse("6b2f4f0e-52a4-4d8c-9f6b-7a8e3c1d0a55")

// TargetDrive addresses a drive by its well-known alias and type. Two tenants
// that agree on (alias, type) are talking about "the same" drive, which is how
// a sender names the recipient's drive without knowing its internal id.
type TargetDrive struct {
	Alias uuid.UUID `json:"alias"`
	Type  uuid.UUID `json:"type"`
}

// IsValid reports whether both halves are set.
func (t TargetDrive) IsValid() bool {
	return t.Alias != uuid.Nil && t.Type != uuid.Nil
}

// DriveID returns the deterministic internal id for this target.
func (t TargetDrive) DriveID() uuid.UUID {
	name := make([]byte, 0, 32)
	name = append(name, t.Alias[:]...)
	name = append(name, t.Type[:]...)

	return uuid.NewSHA1(driveNamespace, name)
}

func (t TargetDrive) String() string {
	return t.Alias.String() + "/" + t.Type.String()
}

// ParseTargetDrive parses the "alias/type" form produced by String.
func ParseTargetDrive(s string) (TargetDrive, error) {
	aliasStr, typeStr, ok := strings.Cut(s, "/")
	if !ok {
		return TargetDrive{}, fmt.Errorf("drive: target drive %q: want alias/type", s)
	}

	alias, err := uuid.Parse(aliasStr)
	if err != nil {
		return TargetDrive{}, fmt.Errorf("drive: target drive alias: %w", err)
	}

	typ, err := uuid.Parse(typeStr)
	if err != nil {
		return TargetDrive{}, fmt.Errorf("drive: target drive type: %w", err)
	}

	return TargetDrive{Alias: alias, Type: typ}, nil
}

// Drive is a named, typed storage partition owned by a tenant.
type Drive struct {
	ID                  uuid.UUID
	Name                string
	Target              TargetDrive
	AllowAnonymousReads bool
	AllowSubscriptions  bool
}

// FileRef identifies one file in one drive.
type FileRef struct {
	DriveID uuid.UUID `json:"driveId"`
	FileID  uuid.UUID `json:"fileId"`
}

func (r FileRef) String() string {
	return r.DriveID.String() + ":" + r.FileID.String()
}

// ErrUnknownDrive is returned by Registry lookups that miss.
var ErrUnknownDrive = errors.New("drive: unknown drive")

// Registry is the immutable set of drives a tenant owns.
type Registry struct {
	byID map[uuid.UUID]Drive
}

// NewRegistry builds a registry. Drive ids are derived from targets, so a
// duplicate target is an error.
func NewRegistry(drives ...Drive) (*Registry, error) {
	r := &Registry{byID: make(map[uuid.UUID]Drive, len(drives))}

	for _, d := range drives {
		if !d.Target.IsValid() {
			return nil, fmt.Errorf("drive: drive %q has an incomplete target", d.Name)
		}

		d.ID = d.Target.DriveID()
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("drive: duplicate drive target %s", d.Target)
		}

		r.byID[d.ID] = d
	}

	return r, nil
}

// ByID looks a drive up by internal id.
func (r *Registry) ByID(id uuid.UUID) (Drive, error) {
	d, ok := r.byID[id]
	if !ok {
		return Drive{}, fmt.Errorf("%w: %s", ErrUnknownDrive, id)
	}

	return d, nil
}

// ByTarget looks a drive up by its alias/type pair.
func (r *Registry) ByTarget(t TargetDrive) (Drive, error) {
	return r.ByID(t.DriveID())
}

// ByName looks a drive up by its configured name.
func (r *Registry) ByName(name string) (Drive, error) {
	for _, d := range r.byID {
		if d.Name == name {
			return d, nil
		}
	}

	return Drive{}, fmt.Errorf("%w: %q", ErrUnknownDrive, name)
}

// All returns every drive ordered by name.
func (r *Registry) All() []Drive {
	out := make([]Drive, 0, len(r.byID))
	for _, d := range r.byID {
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}
