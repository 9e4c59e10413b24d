package codesign

import "fmt"

// SigningError wraps a failed signing tool invocation.
type SigningError struct {
	Path string
	Err  error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("failed to sign %s: %v", e.Path, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// VerificationError is returned when a signature is still invalid after
// the repair pass. It carries the verifier's output.
type VerificationError struct {
	Path   string
	Output string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("signature verification failed for %s: %s", e.Path, e.Output)
}
