// Package settlement tracks tokenized project shares and settles them against
// the token ledger. Buyers pay into a per-project sub-account of the backend's
// own principal; a purchase is accepted when the observed balance of that
// account has grown by at least the purchase cost since the last accepted
// purchase, and owners withdraw the balance to their registered wallet.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"deforger/marketplace-backend/internal/events"
	"deforger/marketplace-backend/internal/ledger"
	"deforger/marketplace-backend/internal/metrics"
	"deforger/marketplace-backend/pkg/account"
	"deforger/marketplace-backend/pkg/workflows"
)

// PayoutDirectory resolves the wallet a user's withdrawals are paid to
type PayoutDirectory interface {
	PayoutPrincipal(ctx context.Context, userID string) (account.Principal, error)
}

// Config contains settlement configuration
type Config struct {
	// Canister is the principal that owns every project sub-account
	Canister account.Principal
	// Fee is the ledger transfer fee deducted from each withdrawal
	Fee uint64
}

// Service owns all settlement state changes
type Service struct {
	repo      Repository
	ledger    ledger.Ledger
	payouts   PayoutDirectory
	publisher events.Publisher
	workflow  *workflows.StateMachine
	locks     *projectLocks
	canister  account.Principal
	fee       uint64
	now       func() time.Time
	logger    *zap.Logger
}

// NewService creates a settlement service. A nil publisher discards events.
func NewService(
	repo Repository,
	l ledger.Ledger,
	payouts PayoutDirectory,
	publisher events.Publisher,
	config Config,
	logger *zap.Logger,
) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if config.Fee == 0 {
		config.Fee = ledger.DefaultFee
	}

	return &Service{
		repo:      repo,
		ledger:    l,
		payouts:   payouts,
		publisher: publisher,
		workflow:  workflows.NewStateMachine(),
		locks:     newProjectLocks(),
		canister:  config.Canister,
		fee:       config.Fee,
		now:       time.Now,
		logger:    logger,
	}
}

// DeriveAccountIdentifier returns the account of principal for the sub-account of projectID
func DeriveAccountIdentifier(principal account.Principal, projectID uint64) account.Identifier {
	return account.NewIdentifier(principal, account.ProjectSubaccount(projectID))
}

// ProjectAccount returns the account buyers pay into for projectID
func (s *Service) ProjectAccount(ctx context.Context, projectID uint64) (account.Identifier, error) {
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return account.Identifier{}, err
	}
	return DeriveAccountIdentifier(s.canister, projectID), nil
}

// Canister returns the principal owning the project accounts
func (s *Service) Canister() account.Principal {
	return s.canister
}

// CreateProject registers a new, untokenized project owned by ownerID
func (s *Service) CreateProject(ctx context.Context, ownerID, name string) (*Project, error) {
	if ownerID == "" {
		return nil, ErrInvalidCaller
	}
	if name == "" {
		return nil, ErrInvalidName
	}

	id, err := s.repo.NextProjectID(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	project := &Project{
		ID:            id,
		OwnerID:       ownerID,
		Name:          name,
		ShareBalances: map[string]uint64{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.repo.SaveProject(ctx, project); err != nil {
		return nil, err
	}

	s.logger.Info("Project created",
		zap.Uint64("project_id", id),
		zap.String("owner_id", ownerID))

	return project, nil
}

// Tokenize fixes the share supply and price of a project. It succeeds once per project
// and only for its owner.
func (s *Service) Tokenize(ctx context.Context, projectID uint64, callerID string, totalShares, pricePerShare uint64) (*Project, error) {
	if callerID == "" {
		return nil, ErrInvalidCaller
	}
	if totalShares == 0 || pricePerShare == 0 {
		return nil, ErrInvalidTokenization
	}

	unlock := s.locks.lock(projectID)
	defer unlock()

	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != callerID {
		return nil, ErrNotOwner
	}
	if !s.workflow.CanTransition(project.State(), workflows.Tokenized) {
		return nil, ErrAlreadyTokenized
	}

	project.IsTokenized = true
	project.TotalShares = totalShares
	project.AvailableShares = totalShares
	project.PricePerShare = pricePerShare
	project.UpdatedAt = s.now().UTC()

	if err := s.save(ctx, project); err != nil {
		return nil, err
	}

	s.logger.Info("Project tokenized",
		zap.Uint64("project_id", projectID),
		zap.Uint64("total_shares", totalShares),
		zap.Uint64("price_per_share", pricePerShare))

	s.publisher.Publish(events.NewEvent(events.TypeTokenized, projectID, map[string]interface{}{
		"total_shares":    strconv.FormatUint(totalShares, 10),
		"price_per_share": strconv.FormatUint(pricePerShare, 10),
	}))

	return project, nil
}

// BuyShares credits shares to buyerID once the project account shows the payment.
//
// The payment is detected by comparing the account balance with the balance
// recorded at the last accepted purchase; any surplus above the cost is absorbed
// into the new watermark and cannot fund a later purchase.
func (s *Service) BuyShares(ctx context.Context, projectID uint64, buyerID string, shares uint64) (*Purchase, error) {
	purchase, err := s.buyShares(ctx, projectID, buyerID, shares)
	metrics.RecordPurchase(outcomeOf(err))
	return purchase, err
}

func (s *Service) buyShares(ctx context.Context, projectID uint64, buyerID string, shares uint64) (*Purchase, error) {
	if buyerID == "" {
		return nil, ErrInvalidCaller
	}
	if shares == 0 {
		return nil, ErrInvalidShareCount
	}

	unlock := s.locks.lock(projectID)
	defer unlock()

	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if !project.IsTokenized {
		return nil, ErrNotTokenized
	}
	if shares > project.AvailableShares {
		return nil, fmt.Errorf("%w: requested %d, available %d", ErrInsufficientShares, shares, project.AvailableShares)
	}

	hi, cost := bits.Mul64(shares, project.PricePerShare)
	if hi != 0 {
		return nil, ErrCostOverflow
	}
	required, carry := bits.Add64(project.LastObservedBalance, cost, 0)
	if carry != 0 {
		return nil, ErrCostOverflow
	}

	balance, err := s.ledger.Balance(ctx, DeriveAccountIdentifier(s.canister, projectID))
	if err != nil {
		s.logger.Warn("Balance query failed",
			zap.Uint64("project_id", projectID),
			zap.Error(err))
		return nil, err
	}

	if balance < required {
		s.logger.Info("Purchase not funded",
			zap.Uint64("project_id", projectID),
			zap.String("buyer_id", buyerID),
			zap.Uint64("balance", balance),
			zap.Uint64("required", required))
		return nil, fmt.Errorf("%w: balance %d, required %d", ErrInsufficientFunds, balance, required)
	}

	project.LastObservedBalance = balance
	project.ShareBalances[buyerID] += shares
	project.AvailableShares -= shares
	project.UpdatedAt = s.now().UTC()

	if err := s.save(ctx, project); err != nil {
		return nil, err
	}

	purchase := &Purchase{
		ProjectID:       projectID,
		BuyerID:         buyerID,
		Shares:          shares,
		Cost:            cost,
		ObservedBalance: balance,
		BuyerBalance:    project.ShareBalances[buyerID],
		AvailableShares: project.AvailableShares,
	}

	s.logger.Info("Shares purchased",
		zap.Uint64("project_id", projectID),
		zap.String("buyer_id", buyerID),
		zap.Uint64("shares", shares),
		zap.Uint64("cost", cost),
		zap.Uint64("observed_balance", balance))

	s.publisher.Publish(events.NewEvent(events.TypeSharesPurchased, projectID, map[string]interface{}{
		"buyer_id":         buyerID,
		"shares":           strconv.FormatUint(shares, 10),
		"available_shares": strconv.FormatUint(project.AvailableShares, 10),
	}))

	return purchase, nil
}

// Withdraw pays the project account's balance, minus the transfer fee, to the
// owner's default account. A ledger rejection is returned unchanged and leaves
// the project untouched.
func (s *Service) Withdraw(ctx context.Context, projectID uint64, ownerID string) (*Withdrawal, error) {
	withdrawal, err := s.withdraw(ctx, projectID, ownerID)
	metrics.RecordWithdrawal(outcomeOf(err))
	return withdrawal, err
}

func (s *Service) withdraw(ctx context.Context, projectID uint64, ownerID string) (*Withdrawal, error) {
	if ownerID == "" {
		return nil, ErrInvalidCaller
	}

	unlock := s.locks.lock(projectID)
	defer unlock()

	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != ownerID {
		return nil, ErrNotOwner
	}
	if err := project.checkInvariant(); err != nil {
		s.logger.Error("Refusing withdrawal from inconsistent project",
			zap.Uint64("project_id", projectID),
			zap.Error(err))
		return nil, err
	}

	principal, err := s.payouts.PayoutPrincipal(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayoutPrincipalMissing, err)
	}

	sub := account.ProjectSubaccount(projectID)
	balance, err := s.ledger.Balance(ctx, account.NewIdentifier(s.canister, sub))
	if err != nil {
		s.logger.Warn("Balance query failed",
			zap.Uint64("project_id", projectID),
			zap.Error(err))
		return nil, err
	}
	if balance <= s.fee {
		return nil, fmt.Errorf("%w: balance %d, fee %d", ErrBalanceBelowFee, balance, s.fee)
	}

	destination := account.Default(principal)
	createdAt := s.now()
	amount := balance - s.fee

	block, err := s.ledger.Transfer(ctx, ledger.TransferRequest{
		To:             destination,
		Amount:         amount,
		Fee:            s.fee,
		FromSubaccount: &sub,
		Memo:           0,
		CreatedAt:      &createdAt,
	})
	if err != nil {
		s.logger.Error("Withdrawal transfer failed",
			zap.Uint64("project_id", projectID),
			zap.Uint64("amount", amount),
			zap.String("destination", destination.Hex()),
			zap.Error(err))
		return nil, err
	}

	project.LastObservedBalance = 0
	project.UpdatedAt = s.now().UTC()

	withdrawal := &Withdrawal{
		ID:              uuid.New(),
		ProjectID:       projectID,
		OwnerID:         ownerID,
		Destination:     destination.Hex(),
		Amount:          amount,
		Fee:             s.fee,
		ObservedBalance: balance,
		BlockIndex:      block,
		CreatedAt:       createdAt.UTC(),
	}

	if err := s.repo.SaveProjectWithWithdrawal(ctx, project, withdrawal); err != nil {
		// The funds have moved; only the bookkeeping is missing.
		s.logger.Error("Failed to record executed withdrawal",
			zap.Uint64("project_id", projectID),
			zap.Uint64("block_index", block),
			zap.Uint64("amount", amount),
			zap.Error(err))
		return nil, err
	}

	s.logger.Info("Funds withdrawn",
		zap.Uint64("project_id", projectID),
		zap.String("owner_id", ownerID),
		zap.Uint64("amount", amount),
		zap.Uint64("block_index", block))

	s.publisher.Publish(events.NewEvent(events.TypeFundsWithdrawn, projectID, map[string]interface{}{
		"amount":      strconv.FormatUint(amount, 10),
		"block_index": strconv.FormatUint(block, 10),
	}))

	return withdrawal, nil
}

func (s *Service) GetProject(ctx context.Context, projectID uint64) (*Project, error) {
	return s.repo.GetProject(ctx, projectID)
}

func (s *Service) ListProjects(ctx context.Context) ([]*Project, error) {
	return s.repo.ListProjects(ctx)
}

// ShareBalance returns the shares userID holds in projectID. Unknown holders
// and unknown projects both hold 0.
func (s *Service) ShareBalance(ctx context.Context, projectID uint64, userID string) (uint64, error) {
	project, err := s.repo.GetProject(ctx, projectID)
	if errors.Is(err, ErrProjectNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return project.ShareBalances[userID], nil
}

func (s *Service) ListWithdrawals(ctx context.Context, projectID uint64) ([]*Withdrawal, error) {
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.repo.ListWithdrawals(ctx, projectID)
}

// save refuses to persist a project whose share accounting does not add up
func (s *Service) save(ctx context.Context, project *Project) error {
	if err := project.checkInvariant(); err != nil {
		s.logger.Error("Refusing to save inconsistent project",
			zap.Uint64("project_id", project.ID),
			zap.Error(err))
		return err
	}
	return s.repo.SaveProject(ctx, project)
}

func outcomeOf(err error) string {
	var transferErr *ledger.TransferError
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrBalanceBelowFee):
		return "unfunded"
	case errors.Is(err, ledger.ErrUnavailable):
		return "ledger_unavailable"
	case errors.As(err, &transferErr):
		return "ledger_rejected"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant_violation"
	default:
		return "rejected"
	}
}
