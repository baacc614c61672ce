package permission

import (
	"errors"
	"fmt"

	"github.com/peerhost/transitd/internal/drive"
	"github.com/peerhost/transitd/internal/identity"
)

// Sentinel errors. Check with errors.Is.
var (
	ErrForbidden       = errors.New("permission: forbidden")
	ErrNotFound        = errors.New("permission: not found")
	ErrUnauthenticated = errors.New("permission: unauthenticated")
)

// ForbiddenError says which caller lacked which permission.
type ForbiddenError struct {
	Caller   identity.Identity
	Drive    drive.TargetDrive
	Required DrivePermission
}

func (e *ForbiddenError) Error() string {
	who := e.Caller.String()
	if who == "" {
		who = "anonymous caller"
	}

	return fmt.Sprintf("permission: forbidden: %s lacks %s on drive %s", who, e.Required, e.Drive)
}

func (e *ForbiddenError) Unwrap() error {
	return ErrForbidden
}
