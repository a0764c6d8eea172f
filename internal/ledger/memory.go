package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"deforger/marketplace-backend/pkg/account"
)

// dedupWindow mirrors the reference ledger's transaction window
const dedupWindow = 24 * time.Hour

type dedupKey struct {
	from      account.Identifier
	to        account.Identifier
	amount    uint64
	fee       uint64
	memo      uint64
	createdAt int64
}

// MemoryLedger is an in-process ledger for local development and tests.
// Accounts are keyed by identifier; the owner principal is needed to resolve
// a transfer's source sub-account.
type MemoryLedger struct {
	mu        sync.Mutex
	owner     account.Principal
	fee       uint64
	balances  map[account.Identifier]uint64
	seen      map[dedupKey]uint64
	nextBlock uint64
	transfers []TransferRequest
	now       func() time.Time
}

// NewMemoryLedger creates a ledger whose transfers are signed by owner
func NewMemoryLedger(owner account.Principal, fee uint64) *MemoryLedger {
	return &MemoryLedger{
		owner:    owner,
		fee:      fee,
		balances: make(map[account.Identifier]uint64),
		seen:     make(map[dedupKey]uint64),
		now:      time.Now,
	}
}

// Deposit credits amount to id, as a buyer's payment would
func (l *MemoryLedger) Deposit(id account.Identifier, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[id] += amount
	l.nextBlock++
}

func (l *MemoryLedger) Balance(ctx context.Context, id account.Identifier) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("account_balance", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[id], nil
}

func (l *MemoryLedger) Transfer(ctx context.Context, req TransferRequest) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, unavailable("transfer", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if req.Fee != l.fee {
		return 0, &TransferError{
			Code:   TransferErrorBadFee,
			Reason: fmt.Sprintf("expected fee %d, got %d", l.fee, req.Fee),
		}
	}

	sub := account.DefaultSubaccount
	if req.FromSubaccount != nil {
		sub = *req.FromSubaccount
	}
	from := account.NewIdentifier(l.owner, sub)

	key := dedupKey{from: from, to: req.To, amount: req.Amount, fee: req.Fee, memo: req.Memo}
	if req.CreatedAt != nil {
		created := *req.CreatedAt
		now := l.now()
		if created.Before(now.Add(-dedupWindow)) {
			return 0, &TransferError{Code: TransferErrorTooOld, Reason: "transaction is older than the deduplication window"}
		}
		if created.After(now.Add(time.Minute)) {
			return 0, &TransferError{Code: TransferErrorCreatedInFuture, Reason: "transaction created in the future"}
		}
		key.createdAt = created.UnixNano()
		if block, ok := l.seen[key]; ok {
			return 0, &TransferError{Code: TransferErrorDuplicate, Reason: fmt.Sprintf("duplicate of block %d", block)}
		}
	}

	balance := l.balances[from]
	if req.Amount > balance || req.Fee > balance-req.Amount {
		return 0, &TransferError{
			Code:   TransferErrorInsufficientFunds,
			Reason: fmt.Sprintf("balance %d cannot cover amount %d plus fee %d", balance, req.Amount, req.Fee),
		}
	}

	l.balances[from] = balance - req.Amount - req.Fee
	l.balances[req.To] += req.Amount

	block := l.nextBlock
	l.nextBlock++
	if req.CreatedAt != nil {
		l.seen[key] = block
	}
	l.transfers = append(l.transfers, req)

	return block, nil
}

// Transfers returns the transfers executed so far
func (l *MemoryLedger) Transfers() []TransferRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]TransferRequest, len(l.transfers))
	copy(out, l.transfers)
	return out
}
