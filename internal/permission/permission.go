// Package permission decides what a remote identity may do with a tenant's
// drives. Effective permission is computed from the caller's connection, the
// circle grants materialized for that connection, and the live state of the
// circles those grants came from.
package permission

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/peerhost/transitd/internal/drive"
)

// DrivePermission is a bit set of abilities on a drive.
type DrivePermission uint16

const (
	PermissionNone    DrivePermission = 0
	PermissionRead    DrivePermission = 1 << 0
	PermissionWrite   DrivePermission = 1 << 1
	PermissionReact   DrivePermission = 1 << 2
	PermissionComment DrivePermission = 1 << 3

	PermissionReadWrite = PermissionRead | PermissionWrite
	PermissionAll       = PermissionRead | PermissionWrite | PermissionReact | PermissionComment
)

var permissionNames = []struct {
	bit  DrivePermission
	name string
}{
	{PermissionRead, "read"},
	{PermissionWrite, "write"},
	{PermissionReact, "react"},
	{PermissionComment, "comment"},
}

// Has reports whether p includes every bit of required. Requiring nothing is
// never satisfied, so a zero PermissionedDrive grants no access.
func (p DrivePermission) Has(required DrivePermission) bool {
	return required != PermissionNone && p&required == required
}

// Union combines two grants of the same drive.
func (p DrivePermission) Union(other DrivePermission) DrivePermission {
	return p | other
}

func (p DrivePermission) String() string {
	if p == PermissionNone {
		return "none"
	}

	var parts []string

	for _, n := range permissionNames {
		if p&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}

	return strings.Join(parts, ",")
}

// ParseDrivePermission parses the comma-separated form produced by String.
func ParseDrivePermission(s string) (DrivePermission, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "none" {
		return PermissionNone, nil
	}

	var p DrivePermission

outer:
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		for _, n := range permissionNames {
			if part == n.name {
				p |= n.bit
				continue outer
			}
		}

		return PermissionNone, fmt.Errorf("permission: unknown drive permission %q", part)
	}

	return p, nil
}

// PermissionedDrive pairs a drive with a permission level; it is the unit a
// circle grants and the unit an access check asks about.
type PermissionedDrive struct {
	Drive      drive.TargetDrive `json:"drive"`
	Permission DrivePermission   `json:"permission"`
}

// PermissionKey names an ability that is not scoped to a drive.
type PermissionKey int

const (
	KeyReadConnections                          PermissionKey = 10
	KeyReadConnectionRequests                   PermissionKey = 30
	KeyReadCircleMembership                     PermissionKey = 50
	KeyReadWhoIFollow                           PermissionKey = 80
	KeyReadMyFollowers                          PermissionKey = 130
	KeySendDataToOtherIdentitiesOnMyBehalf      PermissionKey = 210
	KeyReceiveDataFromOtherIdentitiesOnMyBehalf PermissionKey = 305
)

var keyNames = map[PermissionKey]string{
	KeyReadConnections:                          "read-connections",
	KeyReadConnectionRequests:                   "read-connection-requests",
	KeyReadCircleMembership:                     "read-circle-membership",
	KeyReadWhoIFollow:                           "read-who-i-follow",
	KeyReadMyFollowers:                          "read-my-followers",
	KeySendDataToOtherIdentitiesOnMyBehalf:      "send-on-my-behalf",
	KeyReceiveDataFromOtherIdentitiesOnMyBehalf: "receive-on-my-behalf",
}

func (k PermissionKey) String() string {
	if name, ok := keyNames[k]; ok {
		return name
	}

	return fmt.Sprintf("key-%d", int(k))
}

// ParsePermissionKey accepts a name produced by String or the bare number.
func ParsePermissionKey(s string) (PermissionKey, error) {
	s = strings.TrimSpace(strings.ToLower(s))

	for k, name := range keyNames {
		if s == name {
			return k, nil
		}
	}

	n, err := strconv.Atoi(strings.TrimPrefix(s, "key-"))
	if err != nil {
		return 0, fmt.Errorf("permission: unknown permission key %q", s)
	}

	return PermissionKey(n), nil
}

// PermissionSet is a sorted, duplicate-free set of ability keys.
type PermissionSet struct {
	Keys []PermissionKey `json:"keys,omitempty"`
}

// NewPermissionSet builds a normalized set.
func NewPermissionSet(keys ...PermissionKey) PermissionSet {
	return PermissionSet{}.Union(PermissionSet{Keys: keys})
}

// Has reports whether key is in the set.
func (s PermissionSet) Has(key PermissionKey) bool {
	i := sort.Search(len(s.Keys), func(i int) bool { return s.Keys[i] >= key })
	return i < len(s.Keys) && s.Keys[i] == key
}

// Union returns the sorted union of two sets.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	seen := make(map[PermissionKey]bool, len(s.Keys)+len(other.Keys))
	out := make([]PermissionKey, 0, len(s.Keys)+len(other.Keys))

	for _, keys := range [][]PermissionKey{s.Keys, other.Keys} {
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })

	return PermissionSet{Keys: out}
}
