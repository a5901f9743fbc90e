package service

import "errors"

var (
	// ErrDuplicateDivergent means a client_id was reused with different
	// content. The original message is kept, the resubmission rejected.
	ErrDuplicateDivergent = errors.New("client_id reused with divergent content")

	// ErrEmptyContent rejects sends with no content after trimming.
	ErrEmptyContent = errors.New("message content is empty")

	// ErrContentTooLong rejects sends whose content exceeds the configured
	// maximum. Nothing is persisted; the caller must shorten and resend.
	ErrContentTooLong = errors.New("message content too long")

	// ErrNotRecipient rejects read receipts from anyone but the message's
	// recipient.
	ErrNotRecipient = errors.New("reader is not the message recipient")

	// ErrMaxRetriesExceeded marks a delivery that exhausted all automatic
	// attempts.
	ErrMaxRetriesExceeded = errors.New("max delivery retries exceeded")

	// ErrNoActiveSessions means the live transport has no session to
	// deliver to.
	ErrNoActiveSessions = errors.New("no active sessions for user")

	// ErrConnectionUnknown is returned for operations on an untracked
	// connection id.
	ErrConnectionUnknown = errors.New("unknown connection id")

	// ErrNotFailed rejects a manual requeue on a message that is not in
	// the failed state.
	ErrNotFailed = errors.New("message is not in failed state")
)
