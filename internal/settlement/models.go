package settlement

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"deforger/marketplace-backend/pkg/workflows"
)

// Project is the settlement state of one tokenizable project.
// Amounts are ledger base units; counts are whole shares.
type Project struct {
	ID                  uint64            `json:"id,string"`
	OwnerID             string            `json:"owner_id"`
	Name                string            `json:"name"`
	IsTokenized         bool              `json:"is_tokenized"`
	TotalShares         uint64            `json:"total_shares,string"`
	AvailableShares     uint64            `json:"available_shares,string"`
	PricePerShare       uint64            `json:"price_per_share,string"`
	ShareBalances       map[string]uint64 `json:"share_balances"`
	LastObservedBalance uint64            `json:"last_observed_balance,string"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// State returns the tokenization state of the project
func (p *Project) State() workflows.TokenizationState {
	return workflows.StateOf(p.IsTokenized)
}

// clone returns a deep copy so callers can mutate freely before saving
func (p *Project) clone() *Project {
	out := *p
	out.ShareBalances = make(map[string]uint64, len(p.ShareBalances))
	for user, shares := range p.ShareBalances {
		out.ShareBalances[user] = shares
	}
	return &out
}

// checkInvariant verifies that every share is either available or held
func (p *Project) checkInvariant() error {
	if !p.IsTokenized {
		if p.TotalShares != 0 || p.AvailableShares != 0 || len(p.ShareBalances) != 0 {
			return fmt.Errorf("%w: project %d holds shares before tokenization", ErrInvariantViolation, p.ID)
		}
		return nil
	}

	sum := p.AvailableShares
	for user, shares := range p.ShareBalances {
		var carry uint64
		sum, carry = bits.Add64(sum, shares, 0)
		if carry != 0 {
			return fmt.Errorf("%w: project %d share sum overflows at %q", ErrInvariantViolation, p.ID, user)
		}
	}
	if sum != p.TotalShares {
		return fmt.Errorf("%w: project %d has %d shares accounted for out of %d",
			ErrInvariantViolation, p.ID, sum, p.TotalShares)
	}
	return nil
}

// Purchase is the outcome of an accepted share purchase
type Purchase struct {
	ProjectID       uint64 `json:"project_id,string"`
	BuyerID         string `json:"buyer_id"`
	Shares          uint64 `json:"shares,string"`
	Cost            uint64 `json:"cost,string"`
	ObservedBalance uint64 `json:"observed_balance,string"`
	BuyerBalance    uint64 `json:"buyer_balance,string"`
	AvailableShares uint64 `json:"available_shares,string"`
}

// Withdrawal records a payout of a project's funds to its owner
type Withdrawal struct {
	ID              uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	ProjectID       uint64    `json:"project_id,string" gorm:"not null;index"`
	OwnerID         string    `json:"owner_id" gorm:"not null"`
	Destination     string    `json:"destination" gorm:"type:char(64);not null"`
	Amount          uint64    `json:"amount,string" gorm:"type:numeric(20,0);not null"`
	Fee             uint64    `json:"fee,string" gorm:"type:numeric(20,0);not null"`
	ObservedBalance uint64    `json:"observed_balance,string" gorm:"type:numeric(20,0);not null"`
	BlockIndex      uint64    `json:"block_index,string" gorm:"type:numeric(20,0);not null"`
	CreatedAt       time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (Withdrawal) TableName() string {
	return "settlement_withdrawals"
}

// ProjectRecord is the persisted form of a Project, shared by the SQL table and
// the snapshot document. Share balances are stored as decimal strings.
type ProjectRecord struct {
	ID                  uint64         `json:"id,string" gorm:"primaryKey;autoIncrement:false"`
	OwnerID             string         `json:"owner_id" gorm:"not null;index"`
	Name                string         `json:"name" gorm:"not null"`
	IsTokenized         bool           `json:"is_tokenized" gorm:"not null"`
	TotalShares         uint64         `json:"total_shares,string" gorm:"type:numeric(20,0);not null"`
	AvailableShares     uint64         `json:"available_shares,string" gorm:"type:numeric(20,0);not null"`
	PricePerShare       uint64         `json:"price_per_share,string" gorm:"type:numeric(20,0);not null"`
	ShareBalances       datatypes.JSON `json:"share_balances"`
	LastObservedBalance uint64         `json:"last_observed_balance,string" gorm:"type:numeric(20,0);not null"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func (ProjectRecord) TableName() string {
	return "settlement_projects"
}

func toRecord(p *Project) (*ProjectRecord, error) {
	balances := make(map[string]string, len(p.ShareBalances))
	for user, shares := range p.ShareBalances {
		balances[user] = strconv.FormatUint(shares, 10)
	}
	encoded, err := json.Marshal(balances)
	if err != nil {
		return nil, fmt.Errorf("failed to encode share balances: %w", err)
	}

	return &ProjectRecord{
		ID:                  p.ID,
		OwnerID:             p.OwnerID,
		Name:                p.Name,
		IsTokenized:         p.IsTokenized,
		TotalShares:         p.TotalShares,
		AvailableShares:     p.AvailableShares,
		PricePerShare:       p.PricePerShare,
		ShareBalances:       datatypes.JSON(encoded),
		LastObservedBalance: p.LastObservedBalance,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}, nil
}

func fromRecord(r *ProjectRecord) (*Project, error) {
	balances := make(map[string]uint64)
	if len(r.ShareBalances) > 0 {
		var encoded map[string]string
		if err := json.Unmarshal(r.ShareBalances, &encoded); err != nil {
			return nil, fmt.Errorf("project %d: failed to decode share balances: %w", r.ID, err)
		}
		for user, text := range encoded {
			shares, err := strconv.ParseUint(text, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("project %d: share balance of %q: %w", r.ID, user, err)
			}
			balances[user] = shares
		}
	}

	return &Project{
		ID:                  r.ID,
		OwnerID:             r.OwnerID,
		Name:                r.Name,
		IsTokenized:         r.IsTokenized,
		TotalShares:         r.TotalShares,
		AvailableShares:     r.AvailableShares,
		PricePerShare:       r.PricePerShare,
		ShareBalances:       balances,
		LastObservedBalance: r.LastObservedBalance,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}, nil
}
