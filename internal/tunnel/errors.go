package tunnel

import (
	"errors"
	"fmt"
	"strings"

	"github.com/treykane/bgtunnel/internal/security"
)

// Error kinds. Compare with errors.Is.
var (
	// ErrInvalidRequest: the request failed validation; nothing was spawned.
	ErrInvalidRequest = errors.New("invalid tunnel request")
	// ErrResource: ephemeral port allocation failed; nothing was spawned.
	ErrResource = errors.New("resource allocation failed")
	// ErrLaunch: the ssh client could not be executed.
	ErrLaunch = errors.New("failed to launch ssh client")
	// ErrAuthentication: the remote side rejected the credentials.
	ErrAuthentication = errors.New("ssh authentication denied")
	// ErrConnectivity: the host was unreachable, refused the connection,
	// failed host key verification, or ssh exited before reporting success.
	ErrConnectivity = errors.New("ssh connection failed")
	// ErrValidationTimeout: no verdict before the deadline. The tunnel may
	// have been usable, but the child is always killed.
	ErrValidationTimeout = errors.New("timed out waiting for ssh tunnel")
)

// Error is returned by Open. Kind is one of the sentinels above; Err holds a
// security.ClassifiedError whose debug detail carries the ssh output.
type Error struct {
	Kind    error
	Op      string
	Command string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind, so errors.Is(err, ErrAuthentication) works
// without the kind appearing in the Unwrap chain.
func (e *Error) Is(target error) bool { return e.Kind == target }

func newError(kind error, op, command, userSafe string, output []string, cause error) *Error {
	debug := userSafe
	if cause != nil {
		debug = fmt.Sprintf("%s: %v", userSafe, cause)
	}
	if len(output) > 0 {
		debug += "\nssh output:\n" + strings.Join(output, "\n")
	}
	if command != "" {
		debug += "\ncommand: " + command
	}
	return &Error{
		Kind:    kind,
		Op:      op,
		Command: command,
		Err:     security.NewClassifiedError(userSafe, debug),
	}
}
