package peerlinks

import "fmt"

// BanError marks a protocol or cryptographic violation attributable to the
// remote peer. Any BanError surfacing out of Peer packet handling terminates
// the session: the Peer sends Error{reason} and closes the socket. Reason is
// diagnostic only; callers must not branch on its text.
type BanError struct {
	// Reason is truncated to MaxErrorReasonLen before it is ever placed on
	// the wire.
	Reason string
}

// NewBanError builds a BanError, formatting like fmt.Errorf.
func NewBanError(format string, args ...interface{}) *BanError {
	reason := fmt.Sprintf(format, args...)
	if len(reason) > MaxErrorReasonLen {
		reason = reason[:MaxErrorReasonLen]
	}
	return &BanError{Reason: reason}
}

func (e *BanError) Error() string {
	return e.Reason
}

// Local errors: API misuse or programmer error, not ban-worthy.
var (
	ErrNoChain          = fmt.Errorf("peerlinks: identity has no chain for this channel")
	ErrBodyTooLarge     = fmt.Errorf("peerlinks: message body exceeds the per-chain-length limit")
	ErrNoLeaves         = fmt.Errorf("peerlinks: no eligible leaves to post against")
	ErrNotSynchronized  = fmt.Errorf("peerlinks: channel has no messages yet")
	ErrRootBody         = fmt.Errorf("peerlinks: post() refuses Root bodies")
	ErrDuplicateName    = fmt.Errorf("peerlinks: name already in use")
	ErrChannelNotFound  = fmt.Errorf("peerlinks: channel not found")
	ErrIdentityNotFound = fmt.Errorf("peerlinks: identity not found")
	ErrFeedReadOnly     = fmt.Errorf("peerlinks: channel is a read-only feed")
	ErrCanceled         = fmt.Errorf("peerlinks: wait canceled")
	ErrClosed           = fmt.Errorf("peerlinks: closed")
	ErrUnknownCursor    = fmt.Errorf("peerlinks: query cursor has neither height nor hash")
)
