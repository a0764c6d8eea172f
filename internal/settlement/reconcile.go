package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"deforger/marketplace-backend/internal/metrics"
)

// DiscrepancyKind classifies a reconciliation finding
type DiscrepancyKind string

const (
	// DiscrepancyInvariant: stored shares do not add up to the total supply
	DiscrepancyInvariant DiscrepancyKind = "invariant"
	// DiscrepancyWatermark: the account holds less than the stored watermark,
	// typically a withdrawal whose transfer landed but whose save did not
	DiscrepancyWatermark DiscrepancyKind = "watermark_above_balance"
)

// Discrepancy is one project whose stored state cannot be trusted
type Discrepancy struct {
	ProjectID uint64          `json:"project_id,string"`
	Kind      DiscrepancyKind `json:"kind"`
	Detail    string          `json:"detail"`
}

// Reconciler audits stored projects against themselves and the ledger.
// It reports and never repairs.
type Reconciler struct {
	service       *Service
	maxConcurrent int
	logger        *zap.Logger
}

func NewReconciler(service *Service, maxConcurrent int, logger *zap.Logger) *Reconciler {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Reconciler{service: service, maxConcurrent: maxConcurrent, logger: logger}
}

// Run checks every project once. Ledger failures skip the balance check of
// that project; they are logged, not reported as discrepancies.
func (r *Reconciler) Run(ctx context.Context) ([]Discrepancy, error) {
	projects, err := r.service.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		findings []Discrepancy
	)
	sem := make(chan struct{}, r.maxConcurrent)

	for _, project := range projects {
		if err := ctx.Err(); err != nil {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(p *Project) {
			defer func() {
				<-sem
				wg.Done()
			}()

			found := r.check(ctx, p)
			if len(found) == 0 {
				return
			}
			mu.Lock()
			findings = append(findings, found...)
			mu.Unlock()
		}(project)
	}
	wg.Wait()

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].ProjectID != findings[j].ProjectID {
			return findings[i].ProjectID < findings[j].ProjectID
		}
		return findings[i].Kind < findings[j].Kind
	})

	for _, d := range findings {
		metrics.RecordDiscrepancy(string(d.Kind))
		r.logger.Error("Reconciliation discrepancy",
			zap.Uint64("project_id", d.ProjectID),
			zap.String("kind", string(d.Kind)),
			zap.String("detail", d.Detail))
	}

	return findings, ctx.Err()
}

func (r *Reconciler) check(ctx context.Context, project *Project) []Discrepancy {
	var found []Discrepancy

	if err := project.checkInvariant(); err != nil {
		found = append(found, Discrepancy{
			ProjectID: project.ID,
			Kind:      DiscrepancyInvariant,
			Detail:    err.Error(),
		})
	}

	if !project.IsTokenized || project.LastObservedBalance == 0 {
		return found
	}

	observation, err := observe(ctx, r.service, project)
	if err != nil {
		r.logger.Warn("Reconciliation balance check skipped",
			zap.Uint64("project_id", project.ID),
			zap.Error(err))
		return found
	}

	if observation.Balance < project.LastObservedBalance {
		found = append(found, Discrepancy{
			ProjectID: project.ID,
			Kind:      DiscrepancyWatermark,
			Detail: fmt.Sprintf("balance %d is below last observed balance %d",
				observation.Balance, project.LastObservedBalance),
		})
	}

	return found
}
