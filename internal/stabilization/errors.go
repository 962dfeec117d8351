package stabilization

import "errors"

var (
	// ErrInvalidPrice is returned when a strategy receives a non-positive price.
	ErrInvalidPrice = errors.New("stabilization: price must be greater than zero")
	// ErrInvalidParameters rejects parameters at construction time.
	ErrInvalidParameters = errors.New("stabilization: invalid parameters")
	// ErrSecurity marks failures that must reject the whole cycle (bad signature,
	// encryption failure, refused credentials).
	ErrSecurity = errors.New("stabilization: security failure")
	// ErrTransient marks retry-exhausted collaborator failures such as timeouts.
	ErrTransient = errors.New("stabilization: transient failure")
)

// IsSecurity reports whether err is security relevant.
func IsSecurity(err error) bool {
	return errors.Is(err, ErrSecurity)
}
