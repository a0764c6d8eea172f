// Package users keeps the wallet principal each user is paid out to.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"deforger/marketplace-backend/pkg/account"
)

var (
	ErrNoWallet      = errors.New("user has no wallet principal")
	ErrInvalidUserID = errors.New("user id is required")
)

// Wallet is a user's registered payout principal
type Wallet struct {
	UserID    string            `json:"user_id"`
	Principal account.Principal `json:"principal"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Directory maps user ids to payout principals
type Directory struct {
	mu      sync.RWMutex
	wallets map[string]Wallet
	logger  *zap.Logger
}

func NewDirectory(logger *zap.Logger) *Directory {
	return &Directory{
		wallets: make(map[string]Wallet),
		logger:  logger,
	}
}

// RegisterWallet sets or replaces the payout principal of userID.
// text must be the canonical textual form of the principal.
func (d *Directory) RegisterWallet(ctx context.Context, userID, text string) (*Wallet, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	principal, err := account.ParsePrincipal(text)
	if err != nil {
		return nil, fmt.Errorf("invalid wallet principal: %w", err)
	}

	wallet := Wallet{UserID: userID, Principal: principal, UpdatedAt: time.Now().UTC()}

	d.mu.Lock()
	d.wallets[userID] = wallet
	d.mu.Unlock()

	d.logger.Info("Wallet registered",
		zap.String("user_id", userID),
		zap.String("principal", principal.String()))

	return &wallet, nil
}

// Wallet returns the registered wallet of userID
func (d *Directory) Wallet(ctx context.Context, userID string) (*Wallet, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	wallet, ok := d.wallets[userID]
	if !ok {
		return nil, ErrNoWallet
	}
	return &wallet, nil
}

// PayoutPrincipal resolves where userID's withdrawals are sent
func (d *Directory) PayoutPrincipal(ctx context.Context, userID string) (account.Principal, error) {
	wallet, err := d.Wallet(ctx, userID)
	if err != nil {
		return account.Principal{}, err
	}
	return wallet.Principal, nil
}

// Snapshot serialises every registered wallet
func (d *Directory) Snapshot() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	wallets := make([]Wallet, 0, len(d.wallets))
	for _, w := range d.wallets {
		wallets = append(wallets, w)
	}
	return json.Marshal(wallets)
}

// Restore replaces the directory contents with a snapshot
func (d *Directory) Restore(data []byte) error {
	var wallets []Wallet
	if err := json.Unmarshal(data, &wallets); err != nil {
		return fmt.Errorf("failed to decode wallet snapshot: %w", err)
	}

	restored := make(map[string]Wallet, len(wallets))
	for _, w := range wallets {
		if w.UserID == "" {
			return fmt.Errorf("wallet snapshot: %w", ErrInvalidUserID)
		}
		restored[w.UserID] = w
	}

	d.mu.Lock()
	d.wallets = restored
	d.mu.Unlock()
	return nil
}
