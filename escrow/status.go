package escrow

import (
	"fmt"

	"escrowdesk/apperr"
)

// ErrInvalidTransition signals a transfer status change the flow does not allow.
var ErrInvalidTransition = apperr.New(apperr.KindConflict, "escrow: invalid transfer status transition")

var transitions = map[TransferStatus][]TransferStatus{
	TransferPaid:                 {TransferCredentialsSubmitted, TransferDisputed},
	TransferCredentialsSubmitted: {TransferVerified, TransferDisputed},
}

// ParseTransferStatus validates a transfer status read from input.
func ParseTransferStatus(v string) (TransferStatus, error) {
	switch s := TransferStatus(v); s {
	case TransferPaid, TransferCredentialsSubmitted, TransferVerified, TransferDisputed:
		return s, nil
	}
	return "", apperr.Validation(fmt.Sprintf("escrow: unknown transfer status %q", v),
		map[string]string{"transfer_status": "unknown status"})
}

// Terminal reports whether the hand-off is finished.
func (s TransferStatus) Terminal() bool {
	return s == TransferVerified || s == TransferDisputed
}

// ValidTransitions lists the states reachable from s in one step.
func ValidTransitions(s TransferStatus) []TransferStatus {
	next := transitions[s]
	out := make([]TransferStatus, len(next))
	copy(out, next)
	return out
}

// CanTransition returns nil when from may move to to. Self transitions are
// rejected so a repeated confirm or report cannot apply twice.
func CanTransition(from, to TransferStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
