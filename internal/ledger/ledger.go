// Package ledger is the settlement backend's view of the external token ledger:
// a balance query and a single all-or-nothing transfer.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deforger/marketplace-backend/pkg/account"
)

// DefaultFee is the reference ledger's standard transaction fee in base units
const DefaultFee uint64 = 10_000

// ErrUnavailable marks transport and availability failures. A balance query that fails
// this way says nothing about the balance, and a transfer that fails this way may still
// have been executed by the ledger.
var ErrUnavailable = errors.New("ledger unavailable")

// Ledger is implemented by every ledger backend the engine can settle against
type Ledger interface {
	Balance(ctx context.Context, id account.Identifier) (uint64, error)
	Transfer(ctx context.Context, req TransferRequest) (uint64, error)
}

// TransferRequest is one outgoing transfer. It is never stored.
type TransferRequest struct {
	To             account.Identifier
	Amount         uint64
	Fee            uint64
	FromSubaccount *account.Subaccount
	Memo           uint64
	CreatedAt      *time.Time
}

// TransferErrorCode classifies ledger-side transfer rejections
type TransferErrorCode string

const (
	TransferErrorInsufficientFunds TransferErrorCode = "insufficient_funds"
	TransferErrorBadFee            TransferErrorCode = "bad_fee"
	TransferErrorDuplicate         TransferErrorCode = "duplicate"
	TransferErrorTooOld            TransferErrorCode = "too_old"
	TransferErrorCreatedInFuture   TransferErrorCode = "created_in_future"
	TransferErrorOther             TransferErrorCode = "other"
)

// TransferError is a definitive rejection by the ledger. Reason is the ledger's own text.
type TransferError struct {
	Code   TransferErrorCode
	Reason string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer rejected by ledger (%s): %s", e.Code, e.Reason)
}

// unavailable wraps cause so that errors.Is(err, ErrUnavailable) holds
func unavailable(op string, cause error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, cause)
}
