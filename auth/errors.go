package auth

import (
	"fmt"

	"github.com/clarinet-dicom/clarinet/common"
)

// Authentication errors. All validation failures wrap common.ErrUnauthorized
// so the HTTP boundary rejects them with 401; invalid login credentials are
// a separate sentinel the login handler maps to 400.
var (
	ErrInvalidCredentials = fmt.Errorf("invalid email or password: %w", common.ErrValidation)
	ErrSessionExpired     = fmt.Errorf("session expired: %w", common.ErrUnauthorized)
	ErrSessionIdle        = fmt.Errorf("session idle timeout exceeded: %w", common.ErrUnauthorized)
	ErrSessionIPMismatch  = fmt.Errorf("session bound to a different address: %w", common.ErrUnauthorized)
	ErrNoSession          = fmt.Errorf("no session: %w", common.ErrUnauthorized)
	ErrUserInactive       = fmt.Errorf("user is inactive: %w", common.ErrUnauthorized)
)
