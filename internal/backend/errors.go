package backend

import (
	"fmt"
	"strings"
)

// ResolutionError represents a failure to map a source to a usable variant:
// an unrecognized scheme, a malformed source, or a variant that cannot be
// constructed in the current deployment. It is fatal and never retried.
type ResolutionError struct {
	Source string // The source identifier that failed to resolve
	Reason string // Human-readable explanation of the failure
	Err    error  // Underlying error, if any
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("cannot resolve source %q: %s", e.Source, e.Reason)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// CredentialError represents mandatory credentials missing for a variant.
// It is raised before any network I/O is attempted.
type CredentialError struct {
	Backend string   // The variant that requires the credentials
	Missing []string // Names of the missing credential keys
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("missing %s credentials: %s", e.Backend, strings.Join(e.Missing, ", "))
}

// TransferError represents a network or storage failure during a fetch. It
// is fatal to the current job and never retried internally; re-invoking the
// job skips objects that are already present and verified.
type TransferError struct {
	Backend string // The variant that failed
	Op      string // The operation that failed (e.g. "list_objects", "get_object")
	Err     error  // Underlying error, if any
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s transfer failed during %s: %v", e.Backend, e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
