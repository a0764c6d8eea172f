package settlement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"deforger/marketplace-backend/internal/events"
	"deforger/marketplace-backend/internal/ledger"
	"deforger/marketplace-backend/internal/users"
	"deforger/marketplace-backend/pkg/account"
)

var (
	canister     = account.MustParsePrincipal("ryjl3-tyaaa-aaaaa-aaaba-cai")
	ownerWallet  = "2vxsx-fae"
	ownerAccount = account.Default(account.MustParsePrincipal(ownerWallet))
)

// MockLedger is a mock implementation of ledger.Ledger
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Balance(ctx context.Context, id account.Identifier) (uint64, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *MockLedger) Transfer(ctx context.Context, req ledger.TransferRequest) (uint64, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(uint64), args.Error(1)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(event events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	service   *Service
	repo      *MemoryRepository
	ledger    *ledger.MemoryLedger
	directory *users.Directory
	events    *recordingPublisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:      NewMemoryRepository(),
		ledger:    ledger.NewMemoryLedger(canister, ledger.DefaultFee),
		directory: users.NewDirectory(zap.NewNop()),
		events:    &recordingPublisher{},
	}
	f.service = NewService(f.repo, f.ledger, f.directory, f.events, Config{Canister: canister, Fee: ledger.DefaultFee}, zap.NewNop())
	return f
}

// tokenizedProject creates a project owned by "owner" with the given supply and price
func (f *fixture) tokenizedProject(t *testing.T, totalShares, price uint64) *Project {
	t.Helper()
	ctx := context.Background()
	project, err := f.service.CreateProject(ctx, "owner", "Mangrove restoration")
	require.NoError(t, err)
	project, err = f.service.Tokenize(ctx, project.ID, "owner", totalShares, price)
	require.NoError(t, err)
	return project
}

func (f *fixture) deposit(projectID, amount uint64) {
	f.ledger.Deposit(DeriveAccountIdentifier(canister, projectID), amount)
}

func TestCreateProjectAssignsSequentialIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.service.CreateProject(ctx, "owner", "First")
	require.NoError(t, err)
	second, err := f.service.CreateProject(ctx, "owner", "Second")
	require.NoError(t, err)

	assert.Equal(t, uint64(0), first.ID)
	assert.Equal(t, uint64(1), second.ID)
	assert.False(t, first.IsTokenized)
	assert.Zero(t, first.LastObservedBalance)

	_, err = f.service.CreateProject(ctx, "", "Orphan")
	assert.ErrorIs(t, err, ErrInvalidCaller)
	_, err = f.service.CreateProject(ctx, "owner", "")
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestTokenize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project, err := f.service.CreateProject(ctx, "owner", "Reforestation")
	require.NoError(t, err)

	_, err = f.service.Tokenize(ctx, project.ID, "mallory", 100, 1000)
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.service.Tokenize(ctx, project.ID, "owner", 0, 1000)
	assert.ErrorIs(t, err, ErrInvalidTokenization)
	_, err = f.service.Tokenize(ctx, project.ID, "owner", 100, 0)
	assert.ErrorIs(t, err, ErrInvalidTokenization)

	_, err = f.service.Tokenize(ctx, 42, "owner", 100, 1000)
	assert.ErrorIs(t, err, ErrProjectNotFound)

	stored, err := f.service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsTokenized)

	tokenized, err := f.service.Tokenize(ctx, project.ID, "owner", 100, 1000)
	require.NoError(t, err)
	assert.True(t, tokenized.IsTokenized)
	assert.Equal(t, uint64(100), tokenized.TotalShares)
	assert.Equal(t, uint64(100), tokenized.AvailableShares)
	assert.Equal(t, uint64(1000), tokenized.PricePerShare)

	_, err = f.service.Tokenize(ctx, project.ID, "owner", 500, 1)
	assert.ErrorIs(t, err, ErrAlreadyTokenized)

	stored, err = f.service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), stored.TotalShares)
	assert.Equal(t, []events.Type{events.TypeTokenized}, f.events.types())
}

func TestBuySharesWatermark(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.tokenizedProject(t, 100, 1000)

	f.deposit(project.ID, 10_000)
	purchase, err := f.service.BuyShares(ctx, project.ID, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), purchase.Cost)
	assert.Equal(t, uint64(10), purchase.BuyerBalance)
	assert.Equal(t, uint64(90), purchase.AvailableShares)

	// The same payment cannot be claimed twice.
	_, err = f.service.BuyShares(ctx, project.ID, "bob", 1)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	f.deposit(project.ID, 500)
	_, err = f.service.BuyShares(ctx, project.ID, "bob", 1)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	stored, err := f.service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), stored.LastObservedBalance)
	assert.Equal(t, uint64(90), stored.AvailableShares)

	// Overpayment moves the watermark to the full observed balance.
	f.deposit(project.ID, 1500)
	_, err = f.service.BuyShares(ctx, project.ID, "bob", 1)
	require.NoError(t, err)

	stored, err = f.service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(12_000), stored.LastObservedBalance)

	_, err = f.service.BuyShares(ctx, project.ID, "bob", 1)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	balance, err := f.service.ShareBalance(ctx, project.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), balance)
	balance, err = f.service.ShareBalance(ctx, project.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), balance)
	balance, err = f.service.ShareBalance(ctx, project.ID, "carol")
	require.NoError(t, err)
	assert.Zero(t, balance)

	require.NoError(t, stored.checkInvariant())
}

func TestBuySharesQuarterOfSupply(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.tokenizedProject(t, 10_000, 100)

	f.deposit(project.ID, 250_000)
	purchase, err := f.service.BuyShares(ctx, project.ID, "alice", 2500)
	require.NoError(t, err)
	assert.Equal(t, uint64(250_000), purchase.Cost)

	stored, err := f.service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(7500), stored.AvailableShares)
	assert.Equal(t, uint64(2500), stored.ShareBalances["alice"])
	assert.Equal(t, uint64(250_000), stored.LastObservedBalance)
	require.NoError(t, stored.checkInvariant())
}

func TestShareBalanceUnknownProject(t *testing.T) {
	f := newFixture(t)

	balance, err := f.service.ShareBalance(context.Background(), 42, "alice")
	require.NoError(t, err)
	assert.Zero(t, balance)
}

func TestBuySharesPreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	untokenized, err := f.service.CreateProject(ctx, "owner", "Draft")
	require.NoError(t, err)
	project := f.tokenizedProject(t, 10, 1000)
	expensive := f.tokenizedProject(t, 10, math.MaxUint64)
	f.deposit(project.ID, 1_000_000)

	tests := []struct {
		name      string
		projectID uint64
		buyer     string
		shares    uint64
		want      error
	}{
		{"unknown project", 99, "alice", 1, ErrProjectNotFound},
		{"not tokenized", untokenized.ID, "alice", 1, ErrNotTokenized},
		{"zero shares", project.ID, "alice", 0, ErrInvalidShareCount},
		{"more than available", project.ID, "alice", 11, ErrInsufficientShares},
		{"missing buyer", project.ID, "", 1, ErrInvalidCaller},
		{"cost overflow", expensive.ID, "alice", 2, ErrCostOverflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.BuyShares(ctx, tt.projectID, tt.buyer, tt.shares)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	stored, err := f.service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stored.AvailableShares)
	assert.Zero(t, stored.LastObservedBalance)
}

func TestBuySharesAllAvailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.tokenizedProject(t, 5, 200)

	f.deposit(project.ID, 1000)
	_, err := f.service.BuyShares(ctx, project.ID, "alice", 5)
	require.NoError(t, err)

	stored, err := f.service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.AvailableShares)

	f.deposit(project.ID, 1000)
	_, err = f.service.BuyShares(ctx, project.ID, "bob", 1)
	assert.ErrorIs(t, err, ErrInsufficientShares)
}

func TestBuySharesConcurrentBuyersClaimOnePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.tokenizedProject(t, 100, 1000)
	f.deposit(project.ID, 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.service.BuyShares(ctx, project.ID, fmt.Sprintf("buyer-%d", i), 1); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)

	stored, err := f.service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), stored.AvailableShares)
	require.NoError(t, stored.checkInvariant())
}

func TestBuySharesRefusesInconsistentProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.tokenizedProject(t, 10, 100)

	corrupt, err := f.repo.GetProject(ctx, project.ID)
	require.NoError(t, err)
	corrupt.AvailableShares = 9
	require.NoError(t, f.repo.SaveProject(ctx, corrupt))

	f.deposit(project.ID, 100)
	_, err = f.service.BuyShares(ctx, project.ID, "alice", 1)
	assert.ErrorIs(t, err, ErrInvariantViolation)

	stored, err := f.service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), stored.AvailableShares)
	assert.Empty(t, stored.ShareBalances)
}

func TestWithdrawRefusesInconsistentProject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.tokenizedProject(t, 100, 1000)
	_, err := f.directory.RegisterWallet(ctx, "owner", ownerWallet)
	require.NoError(t, err)

	f.deposit(project.ID, 5000)
	_, err = f.service.BuyShares(ctx, project.ID, "alice", 5)
	require.NoError(t, err)

	corrupt, err := f.repo.GetProject(ctx, project.ID)
	require.NoError(t, err)
	corrupt.AvailableShares = 50
	require.NoError(t, f.repo.SaveProject(ctx, corrupt))

	f.deposit(project.ID, 95_000)
	_, err = f.service.Withdraw(ctx, project.ID, "owner")
	assert.ErrorIs(t, err, ErrInvariantViolation)
	assert.Empty(t, f.ledger.Transfers())

	balance, err := f.ledger.Balance(ctx, DeriveAccountIdentifier(canister, project.ID))
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), balance)

	stored, err := f.service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), stored.LastObservedBalance)
}

func TestBuySharesLedgerUnavailable(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	l := new(MockLedger)
	service := NewService(repo, l, users.NewDirectory(zap.NewNop()), nil, Config{Canister: canister}, zap.NewNop())

	project, err := service.CreateProject(ctx, "owner", "Wetlands")
	require.NoError(t, err)
	_, err = service.Tokenize(ctx, project.ID, "owner", 10, 100)
	require.NoError(t, err)

	l.On("Balance", mock.Anything, DeriveAccountIdentifier(canister, project.ID)).
		Return(uint64(0), fmt.Errorf("%w: account_balance: timeout", ledger.ErrUnavailable))

	_, err = service.BuyShares(ctx, project.ID, "alice", 1)
	assert.ErrorIs(t, err, ledger.ErrUnavailable)

	stored, err := service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), stored.AvailableShares)
	l.AssertExpectations(t)
}

func TestWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.tokenizedProject(t, 100, 1000)
	_, err := f.directory.RegisterWallet(ctx, "owner", ownerWallet)
	require.NoError(t, err)

	f.deposit(project.ID, 100_000)
	_, err = f.service.BuyShares(ctx, project.ID, "alice", 100)
	require.NoError(t, err)

	withdrawal, err := f.service.Withdraw(ctx, project.ID, "owner")
	require.NoError(t, err)
	assert.Equal(t, uint64(90_000), withdrawal.Amount)
	assert.Equal(t, ledger.DefaultFee, withdrawal.Fee)
	assert.Equal(t, uint64(100_000), withdrawal.ObservedBalance)
	assert.Equal(t, ownerAccount.Hex(), withdrawal.Destination)

	transfers := f.ledger.Transfers()
	require.Len(t, transfers, 1)
	transfer := transfers[0]
	assert.Equal(t, ownerAccount, transfer.To)
	assert.Equal(t, uint64(90_000), transfer.Amount)
	assert.Equal(t, uint64(10_000), transfer.Fee)
	assert.Zero(t, transfer.Memo)
	require.NotNil(t, transfer.FromSubaccount)
	assert.Equal(t, account.ProjectSubaccount(project.ID), *transfer.FromSubaccount)
	assert.NotNil(t, transfer.CreatedAt)

	stored, err := f.service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.LastObservedBalance)

	received, err := f.ledger.Balance(ctx, ownerAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(90_000), received)

	withdrawals, err := f.service.ListWithdrawals(ctx, project.ID)
	require.NoError(t, err)
	require.Len(t, withdrawals, 1)
	assert.Equal(t, withdrawal.ID, withdrawals[0].ID)

	assert.Equal(t, []events.Type{
		events.TypeTokenized,
		events.TypeSharesPurchased,
		events.TypeFundsWithdrawn,
	}, f.events.types())
}

func TestWithdrawResetsWatermarkForNextPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.tokenizedProject(t, 100, 1000)
	_, err := f.directory.RegisterWallet(ctx, "owner", ownerWallet)
	require.NoError(t, err)

	f.deposit(project.ID, 50_000)
	_, err = f.service.BuyShares(ctx, project.ID, "alice", 50)
	require.NoError(t, err)
	_, err = f.service.Withdraw(ctx, project.ID, "owner")
	require.NoError(t, err)

	f.deposit(project.ID, 5000)
	purchase, err := f.service.BuyShares(ctx, project.ID, "bob", 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5000), purchase.ObservedBalance)
}

func TestWithdrawRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.tokenizedProject(t, 100, 1000)

	_, err := f.service.Withdraw(ctx, project.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotOwner)

	_, err = f.service.Withdraw(ctx, project.ID, "owner")
	assert.ErrorIs(t, err, ErrPayoutPrincipalMissing)

	_, err = f.directory.RegisterWallet(ctx, "owner", ownerWallet)
	require.NoError(t, err)

	_, err = f.service.Withdraw(ctx, project.ID, "owner")
	assert.ErrorIs(t, err, ErrBalanceBelowFee)

	f.deposit(project.ID, ledger.DefaultFee)
	_, err = f.service.Withdraw(ctx, project.ID, "owner")
	assert.ErrorIs(t, err, ErrBalanceBelowFee)

	_, err = f.service.Withdraw(ctx, 7, "owner")
	assert.ErrorIs(t, err, ErrProjectNotFound)

	assert.Empty(t, f.ledger.Transfers())
}

func TestWithdrawTransferRejected(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	directory := users.NewDirectory(zap.NewNop())
	l := new(MockLedger)
	service := NewService(repo, l, directory, nil, Config{Canister: canister, Fee: ledger.DefaultFee}, zap.NewNop())

	project, err := service.CreateProject(ctx, "owner", "Seagrass")
	require.NoError(t, err)
	_, err = service.Tokenize(ctx, project.ID, "owner", 10, 1000)
	require.NoError(t, err)
	_, err = directory.RegisterWallet(ctx, "owner", ownerWallet)
	require.NoError(t, err)

	projectAccount := DeriveAccountIdentifier(canister, project.ID)
	l.On("Balance", mock.Anything, projectAccount).Return(uint64(20_000), nil).Once()
	_, err = service.BuyShares(ctx, project.ID, "alice", 2)
	require.NoError(t, err)

	rejection := &ledger.TransferError{Code: ledger.TransferErrorBadFee, Reason: "expected fee 20000"}
	l.On("Balance", mock.Anything, projectAccount).Return(uint64(50_000), nil).Once()
	l.On("Transfer", mock.Anything, mock.MatchedBy(func(req ledger.TransferRequest) bool {
		return req.To == ownerAccount && req.Amount == 40_000 && req.Fee == ledger.DefaultFee && req.Memo == 0
	})).Return(uint64(0), rejection).Once()

	_, err = service.Withdraw(ctx, project.ID, "owner")
	var transferErr *ledger.TransferError
	require.True(t, errors.As(err, &transferErr))
	assert.Same(t, rejection, transferErr)
	assert.Equal(t, "expected fee 20000", transferErr.Reason)

	stored, err := service.GetProject(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(20_000), stored.LastObservedBalance)

	withdrawals, err := service.ListWithdrawals(ctx, project.ID)
	require.NoError(t, err)
	assert.Empty(t, withdrawals)
	l.AssertExpectations(t)
}

func TestProjectAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	project := f.tokenizedProject(t, 1, 1)

	id, err := f.service.ProjectAccount(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, account.NewIdentifier(canister, account.ProjectSubaccount(project.ID)), id)

	_, err = f.service.ProjectAccount(ctx, 12)
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestDeriveAccountIdentifierGolden(t *testing.T) {
	principal := account.MustPrincipalFromBytes([]byte{1, 2, 3})
	assert.Equal(t,
		"b42ff948eb4a475da85c59d14b752674008caf9f989bc71090fc3d8956379def",
		DeriveAccountIdentifier(principal, 7).Hex())
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, "accepted", outcomeOf(nil))
	assert.Equal(t, "unfunded", outcomeOf(fmt.Errorf("%w: x", ErrInsufficientFunds)))
	assert.Equal(t, "ledger_unavailable", outcomeOf(ledger.ErrUnavailable))
	assert.Equal(t, "ledger_rejected", outcomeOf(&ledger.TransferError{Code: ledger.TransferErrorOther}))
	assert.Equal(t, "invariant_violation", outcomeOf(ErrInvariantViolation))
	assert.Equal(t, "rejected", outcomeOf(ErrNotOwner))
}
