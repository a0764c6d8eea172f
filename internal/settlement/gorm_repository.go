package settlement

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const projectSequence = "projects"

// sequenceRecord is a named counter advanced under a row lock
type sequenceRecord struct {
	Name  string `gorm:"primaryKey"`
	Value uint64 `gorm:"type:numeric(20,0);not null"`
}

func (sequenceRecord) TableName() string {
	return "settlement_sequences"
}

// GormRepository stores settlement state in PostgreSQL
type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

// Migrate creates or updates the settlement tables
func (r *GormRepository) Migrate() error {
	return r.db.AutoMigrate(&ProjectRecord{}, &Withdrawal{}, &sequenceRecord{})
}

func (r *GormRepository) NextProjectID(ctx context.Context) (uint64, error) {
	var id uint64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seq := sequenceRecord{Name: projectSequence}
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(sequenceRecord{Name: projectSequence}).
			FirstOrCreate(&seq).Error; err != nil {
			return err
		}

		id = seq.Value
		return tx.Model(&seq).Update("value", seq.Value+1).Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to allocate project id: %w", err)
	}
	return id, nil
}

func (r *GormRepository) GetProject(ctx context.Context, id uint64) (*Project, error) {
	var record ProjectRecord
	if err := r.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to load project %d: %w", id, err)
	}
	return fromRecord(&record)
}

func (r *GormRepository) ListProjects(ctx context.Context) ([]*Project, error) {
	var records []ProjectRecord
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	projects := make([]*Project, 0, len(records))
	for i := range records {
		project, err := fromRecord(&records[i])
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, nil
}

func (r *GormRepository) SaveProject(ctx context.Context, project *Project) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return upsertProject(tx, project)
	})
}

func (r *GormRepository) SaveProjectWithWithdrawal(ctx context.Context, project *Project, withdrawal *Withdrawal) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := upsertProject(tx, project); err != nil {
			return err
		}
		if err := tx.Create(withdrawal).Error; err != nil {
			return fmt.Errorf("failed to record withdrawal: %w", err)
		}
		return nil
	})
}

func (r *GormRepository) ListWithdrawals(ctx context.Context, projectID uint64) ([]*Withdrawal, error) {
	var withdrawals []*Withdrawal
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at ASC").
		Find(&withdrawals).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals: %w", err)
	}
	return withdrawals, nil
}

func upsertProject(tx *gorm.DB, project *Project) error {
	record, err := toRecord(project)
	if err != nil {
		return err
	}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(record).Error; err != nil {
		return fmt.Errorf("failed to save project %d: %w", project.ID, err)
	}
	return nil
}
