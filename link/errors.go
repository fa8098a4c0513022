package link

import "errors"

var (
	// ErrProtocol marks violations of the wire protocol; fatal to the link.
	ErrProtocol = errors.New("link: protocol violation")
	// ErrCapabMismatch marks incompatible capability announcements.
	ErrCapabMismatch = errors.New("link: capability mismatch")
	// ErrAuthFailed marks credential or fingerprint rejection. The specific
	// cause stays in the local log; the peer sees a generic message.
	ErrAuthFailed = errors.New("link: authentication failed")
	// ErrCollision marks a duplicate identity whose tie-break went against
	// this link.
	ErrCollision = errors.New("link: state collision")
)

// fatalToLink reports whether a handler error must tear the link down rather
// than drop the offending update.
func fatalToLink(err error) bool {
	return errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrCapabMismatch) ||
		errors.Is(err, ErrAuthFailed) ||
		errors.Is(err, ErrCollision)
}
