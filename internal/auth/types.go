package auth

import "errors"

// Role is the authorisation tier carried in a service token.
type Role string

const (
	// RoleReader may inspect instance status and poll queued requests.
	RoleReader Role = "reader"

	// RoleProducer may also submit requests to the queue.
	RoleProducer Role = "producer"

	// RoleOperator may also start, stop and restart instances.
	RoleOperator Role = "operator"
)

// ValidRoles is the set of roles a service token may carry.
var ValidRoles = []Role{RoleReader, RoleProducer, RoleOperator}

// IsValidRole returns true if r is a known role.
func IsValidRole(r Role) bool {
	for _, v := range ValidRoles {
		if r == v {
			return true
		}
	}
	return false
}

// Sentinel errors for authentication.
var (
	ErrTokenInvalid = errors.New("invalid token")
	ErrForbidden    = errors.New("insufficient permissions")
	ErrSecretWeak   = errors.New("jwt secret must be at least 32 characters")
)
