package credpool

import "fmt"

// PoolError classifies a pool-level failure so callers can drive the
// failover/retry dance in §4.F without string-matching error text.
type PoolError struct {
	Kind    Kind
	Message string
}

// Kind enumerates the failure classes spec.md §4.E requires the pool to
// distinguish.
type Kind int

const (
	KindNotFound Kind = iota
	KindInvalidCredential
	KindQuotaExceeded
	KindTooManyFailures
	KindExhausted
)

func (e *PoolError) Error() string {
	return e.Message
}

func newError(kind Kind, format string, args ...any) *PoolError {
	return &PoolError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func errNotFound(id int64) error {
	return newError(KindNotFound, "credpool: no credential with id %d", id)
}

func errInvalidCredential(reason string) error {
	return newError(KindInvalidCredential, "credpool: invalid credential: %s", reason)
}

func errExhausted(reason string) error {
	return newError(KindExhausted, "credpool: all credentials exhausted: %s", reason)
}
