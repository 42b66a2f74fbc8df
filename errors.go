package vast

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCredentialNotFound is returned by Authenticate when no credential is
// stored and no username was supplied to log in with.
var ErrCredentialNotFound = errors.New("no stored credential and no username given")

// ErrNotAuthenticated is returned by operations that need account state
// (such as the registered ssh key) before Authenticate has run.
var ErrNotAuthenticated = errors.New("client is not authenticated")

// AuthenticationError means the vendor rejected the supplied credentials,
// either a stored API key or an interactive username/password login.
type AuthenticationError struct {
	User string
}

func (e *AuthenticationError) Error() string {
	if e.User == "" {
		return "error logging in with stored api key"
	}
	return fmt.Sprintf("error logging in as %q", e.User)
}

// RequestError is a non-2xx response from the vendor API. Message carries
// the vendor's msg/error field when one could be decoded, otherwise the raw
// response body.
type RequestError struct {
	Status  int
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("expected 2xx from vast.ai API, got %d (error: %s)", e.Status, e.Message)
}

// InstanceNotFoundError means the vendor reported no instance with the given
// id.
type InstanceNotFoundError struct {
	ID int64
}

func (e *InstanceNotFoundError) Error() string {
	return fmt.Sprintf("no instance with id %d", e.ID)
}

// SSHConnectionError means the instance's ssh endpoint was unreachable or
// rejected our key.
type SSHConnectionError struct {
	Addr string
	Err  error
}

func (e *SSHConnectionError) Error() string {
	return fmt.Sprintf("ssh connection to %s failed: %s", e.Addr, e.Err)
}

func (e *SSHConnectionError) Cause() error { return e.Err }

func (e *SSHConnectionError) Unwrap() error { return e.Err }
