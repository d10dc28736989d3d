package llms

import "fmt"

// ProviderError wraps any failure that terminates an execution. The timing
// collected up to the failure rides along so callers can still account for
// partial work.
type ProviderError struct {
	Provider string
	Model    string
	Status   int
	Message  string
	Timing   *Timing
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }
