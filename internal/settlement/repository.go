package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
)

// Repository persists settlement state. Implementations return copies: a
// Project obtained from GetProject is never shared with the store.
type Repository interface {
	// NextProjectID hands out ids from 0 upwards, never reusing one
	NextProjectID(ctx context.Context) (uint64, error)
	GetProject(ctx context.Context, id uint64) (*Project, error)
	ListProjects(ctx context.Context) ([]*Project, error)
	SaveProject(ctx context.Context, project *Project) error
	// SaveProjectWithWithdrawal stores the project and its withdrawal record together
	SaveProjectWithWithdrawal(ctx context.Context, project *Project, withdrawal *Withdrawal) error
	ListWithdrawals(ctx context.Context, projectID uint64) ([]*Withdrawal, error)
}

// MemoryRepository keeps settlement state in process. Its contents can be
// carried across restarts with Snapshot and Restore.
type MemoryRepository struct {
	mu          sync.RWMutex
	nextID      uint64
	projects    map[uint64]*Project
	withdrawals map[uint64][]*Withdrawal
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects:    make(map[uint64]*Project),
		withdrawals: make(map[uint64][]*Withdrawal),
	}
}

func (r *MemoryRepository) NextProjectID(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	return id, nil
}

func (r *MemoryRepository) GetProject(ctx context.Context, id uint64) (*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	project, ok := r.projects[id]
	if !ok {
		return nil, ErrProjectNotFound
	}
	return project.clone(), nil
}

func (r *MemoryRepository) ListProjects(ctx context.Context) ([]*Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	projects := make([]*Project, 0, len(r.projects))
	for _, project := range r.projects {
		projects = append(projects, project.clone())
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (r *MemoryRepository) SaveProject(ctx context.Context, project *Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.projects[project.ID] = project.clone()
	return nil
}

func (r *MemoryRepository) SaveProjectWithWithdrawal(ctx context.Context, project *Project, withdrawal *Withdrawal) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.projects[project.ID] = project.clone()
	stored := *withdrawal
	r.withdrawals[project.ID] = append(r.withdrawals[project.ID], &stored)
	return nil
}

func (r *MemoryRepository) ListWithdrawals(ctx context.Context, projectID uint64) ([]*Withdrawal, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Withdrawal, 0, len(r.withdrawals[projectID]))
	for _, w := range r.withdrawals[projectID] {
		stored := *w
		out = append(out, &stored)
	}
	return out, nil
}

// snapshot is the serialised form of a MemoryRepository. Integers are decimal
// strings so that no JSON consumer rounds them.
type snapshot struct {
	NextProjectID string           `json:"next_project_id"`
	Projects      []*ProjectRecord `json:"projects"`
	Withdrawals   []*Withdrawal    `json:"withdrawals"`
}

// Snapshot serialises the full repository state
func (r *MemoryRepository) Snapshot() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := snapshot{
		NextProjectID: strconv.FormatUint(r.nextID, 10),
		Projects:      make([]*ProjectRecord, 0, len(r.projects)),
		Withdrawals:   []*Withdrawal{},
	}

	ids := make([]uint64, 0, len(r.projects))
	for id := range r.projects {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		record, err := toRecord(r.projects[id])
		if err != nil {
			return nil, err
		}
		snap.Projects = append(snap.Projects, record)
		snap.Withdrawals = append(snap.Withdrawals, r.withdrawals[id]...)
	}

	return json.Marshal(snap)
}

// Restore replaces the repository state with a snapshot. The snapshot is
// validated in full before anything is replaced.
func (r *MemoryRepository) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	nextID, err := strconv.ParseUint(snap.NextProjectID, 10, 64)
	if err != nil {
		return fmt.Errorf("snapshot next_project_id: %w", err)
	}

	projects := make(map[uint64]*Project, len(snap.Projects))
	for _, record := range snap.Projects {
		project, err := fromRecord(record)
		if err != nil {
			return err
		}
		if project.ID >= nextID {
			return fmt.Errorf("snapshot project %d is not below next id %d", project.ID, nextID)
		}
		if _, dup := projects[project.ID]; dup {
			return fmt.Errorf("snapshot has project %d twice", project.ID)
		}
		if err := project.checkInvariant(); err != nil {
			return err
		}
		projects[project.ID] = project
	}

	withdrawals := make(map[uint64][]*Withdrawal)
	for _, w := range snap.Withdrawals {
		if _, ok := projects[w.ProjectID]; !ok {
			return fmt.Errorf("snapshot withdrawal %s references unknown project %d", w.ID, w.ProjectID)
		}
		withdrawals[w.ProjectID] = append(withdrawals[w.ProjectID], w)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID = nextID
	r.projects = projects
	r.withdrawals = withdrawals
	return nil
}
