package platform

import "errors"

var (
	// ErrConnect means the router was unreachable or rejected our credentials.
	// Transient: retried on the next scheduled cycle only.
	ErrConnect = errors.New("vendor connect failed")

	// ErrCommand means the router accepted the connection but a command failed.
	ErrCommand = errors.New("vendor command failed")

	// ErrUnsupportedVendor is a configuration error: no adapter exists or is
	// configured for the requested platform.
	ErrUnsupportedVendor = errors.New("unsupported vendor")
)

// Error is a failure attributed to a platform and router.
// errors.Is matches both Kind and the underlying cause.
type Error struct {
	Platform Platform
	RouterID string
	Op       string
	Kind     error
	Err      error
}

func (e *Error) Error() string {
	msg := string(e.Platform)
	if e.RouterID != "" {
		msg += " router " + e.RouterID
	}
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Kind != nil {
		msg += ": " + e.Kind.Error()
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ConnectError builds an ErrConnect-kind error.
func ConnectError(p Platform, routerID string, err error) error {
	return &Error{Platform: p, RouterID: routerID, Op: "connect", Kind: ErrConnect, Err: err}
}

// CommandError builds an ErrCommand-kind error.
func CommandError(p Platform, routerID, op string, err error) error {
	return &Error{Platform: p, RouterID: routerID, Op: op, Kind: ErrCommand, Err: err}
}

// IsTransient reports whether err should simply be retried on the next cycle.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnect) || errors.Is(err, ErrCommand)
}
