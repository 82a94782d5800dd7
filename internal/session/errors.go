package session

import "fmt"

// CollisionError reports an init attempt on a name that is already claimed.
// Shared distinguishes a process-wide claim (another manager instance) from a
// local one.
type CollisionError struct {
	Name   string
	Shared bool
}

func (e *CollisionError) Error() string {
	if e.Shared {
		return fmt.Sprintf("session %q is already registered by another manager in this process; use EnsureSession to reconnect instead of creating it again", e.Name)
	}
	return fmt.Sprintf("session %q already exists locally", e.Name)
}

// NotFoundError reports an operation on a session that is not registered and
// was not allowed to be created implicitly.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q not found; create it first", e.Name)
}

// ProviderError wraps a failure from the remote execution provider.
type ProviderError struct {
	Op  string
	Err error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
