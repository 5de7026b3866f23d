package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"siteagent/internal/pkg/model"
)

// resourceRow is the agent_resources table.
type resourceRow struct {
	ID                 string     `gorm:"column:id;primaryKey;size:64"`
	OfferingID         string     `gorm:"column:offering_id;size:64;index"`
	Name               string     `gorm:"column:name;size:255"`
	BackendID          string     `gorm:"column:backend_id;size:255"`
	State              string     `gorm:"column:state;size:32;index"`
	Allocation         float64    `gorm:"column:allocation"`
	Members            string     `gorm:"column:members;type:text"`
	LastAppliedVersion uint64     `gorm:"column:last_applied_version"`
	LastComputedAt     *time.Time `gorm:"column:last_computed_at"`
	ErrorMessage       string     `gorm:"column:error_message;type:text"`
	CreatedAt          time.Time  `gorm:"column:created_at"`
	UpdatedAt          time.Time  `gorm:"column:updated_at"`
}

func (resourceRow) TableName() string { return "agent_resources" }

// usageRow is the agent_usage table, one row per resource and dimension.
type usageRow struct {
	ResourceID  string     `gorm:"column:resource_id;primaryKey;size:64"`
	Dimension   string     `gorm:"column:dimension;primaryKey;size:64"`
	Decayed     float64    `gorm:"column:decayed"`
	Baseline    float64    `gorm:"column:baseline"`
	LastUpdate  time.Time  `gorm:"column:last_update"`
	PeriodTotal float64    `gorm:"column:period_total"`
	PeriodStart time.Time  `gorm:"column:period_start"`
	PrevTotal   float64    `gorm:"column:prev_period_total"`
	PrevStart   *time.Time `gorm:"column:prev_period_start"`
}

func (usageRow) TableName() string { return "agent_usage" }

// directiveRow is the agent_directives table.
type directiveRow struct {
	ResourceID string    `gorm:"column:resource_id;primaryKey;size:64"`
	Version    uint64    `gorm:"column:version;primaryKey"`
	Payload    string    `gorm:"column:payload;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

func (directiveRow) TableName() string { return "agent_directives" }

// GormStore is a Store backed by MySQL.
type GormStore struct {
	db *gorm.DB
}

func NewGorm(db *gorm.DB) *GormStore { return &GormStore{db: db} }

// Migrate creates or updates the agent tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&resourceRow{}, &usageRow{}, &directiveRow{}); err != nil {
		return fmt.Errorf("migrate state tables: %w", err)
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(r *model.Resource) (*resourceRow, error) {
	members, err := json.Marshal(r.Members)
	if err != nil {
		return nil, err
	}
	row := &resourceRow{
		ID:                 r.ID,
		OfferingID:         r.OfferingID,
		Name:               r.Name,
		BackendID:          r.BackendID,
		State:              string(r.State),
		Allocation:         r.Allocation,
		Members:            string(members),
		LastAppliedVersion: r.LastAppliedVersion,
		ErrorMessage:       r.ErrorMessage,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if !r.LastComputedAt.IsZero() {
		t := r.LastComputedAt
		row.LastComputedAt = &t
	}
	return row, nil
}

func (row *resourceRow) toModel() (*model.Resource, error) {
	r := &model.Resource{
		ID:                 row.ID,
		OfferingID:         row.OfferingID,
		Name:               row.Name,
		BackendID:          row.BackendID,
		State:              model.ResourceState(row.State),
		Allocation:         row.Allocation,
		LastAppliedVersion: row.LastAppliedVersion,
		ErrorMessage:       row.ErrorMessage,
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.LastComputedAt != nil {
		r.LastComputedAt = *row.LastComputedAt
	}
	if row.Members != "" && row.Members != "null" {
		if err := json.Unmarshal([]byte(row.Members), &r.Members); err != nil {
			return nil, fmt.Errorf("decode members of %s: %w", row.ID, err)
		}
	}
	return r, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (s *GormStore) GetResource(ctx context.Context, id string) (*model.Resource, error) {
	var row resourceRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "resource "+id)
	}
	return row.toModel()
}

func (s *GormStore) ListResources(ctx context.Context, f model.ResourceFilter) ([]*model.Resource, error) {
	tx := s.db.WithContext(ctx).Model(&resourceRow{})
	if f.OfferingID != "" {
		tx = tx.Where("offering_id = ?", f.OfferingID)
	}
	if len(f.States) > 0 {
		states := make([]string, len(f.States))
		for i, st := range f.States {
			states[i] = string(st)
		}
		tx = tx.Where("state IN ?", states)
	}
	var rows []resourceRow
	if err := tx.Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*model.Resource, 0, len(rows))
	for i := range rows {
		r, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *GormStore) SaveResource(ctx context.Context, r *model.Resource) error {
	if r.ID == "" {
		return fmt.Errorf("resource id is required")
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	row, err := toRow(r)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"offering_id", "name", "backend_id", "state", "allocation", "members",
			"last_computed_at", "error_message", "updated_at",
		}),
	}).Create(row).Error
}

func (s *GormStore) updateResource(ctx context.Context, id string, values map[string]any) error {
	values["updated_at"] = time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&resourceRow{}).Where("id = ?", id).Updates(values)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *GormStore) SetResourceState(ctx context.Context, id string, state model.ResourceState, msg string) error {
	return s.updateResource(ctx, id, map[string]any{"state": string(state), "error_message": msg})
}

func (s *GormStore) TouchComputed(ctx context.Context, id string, at time.Time) error {
	return s.updateResource(ctx, id, map[string]any{"last_computed_at": at})
}

func (s *GormStore) SetAllocation(ctx context.Context, id string, allocation float64) error {
	return s.updateResource(ctx, id, map[string]any{"allocation": allocation})
}

func (s *GormStore) SetMembers(ctx context.Context, id string, members []string) error {
	b, err := json.Marshal(members)
	if err != nil {
		return err
	}
	return s.updateResource(ctx, id, map[string]any{"members": string(b)})
}

func (s *GormStore) AdvanceAppliedVersion(ctx context.Context, id string, from, to uint64) error {
	if err := checkAdvance(id, from, to); err != nil {
		return err
	}
	// MySQL evaluates SET left to right and gorm orders map columns by name, so
	// error_message still sees the old state.
	res := s.db.WithContext(ctx).Model(&resourceRow{}).
		Where("id = ? AND last_applied_version = ?", id, from).
		Updates(map[string]any{
			"last_applied_version": to,
			"state":                gorm.Expr("CASE WHEN state = ? THEN ? ELSE state END", string(model.ResourceErred), string(model.ResourceActive)),
			"error_message":        gorm.Expr("CASE WHEN state = ? THEN '' ELSE error_message END", string(model.ResourceErred)),
			"updated_at":           time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&resourceRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("resource %s: %w", id, ErrNotFound)
	}
	return fmt.Errorf("resource %s: applied version moved past %d: %w", id, from, ErrConflict)
}

func (s *GormStore) GetUsage(ctx context.Context, id string) (model.UsageSet, error) {
	var rows []usageRow
	if err := s.db.WithContext(ctx).Where("resource_id = ?", id).Find(&rows).Error; err != nil {
		return nil, err
	}
	set := make(model.UsageSet, len(rows))
	for _, r := range rows {
		u := model.AccumulatedUsage{
			Dimension:       r.Dimension,
			Decayed:         r.Decayed,
			Baseline:        r.Baseline,
			LastUpdate:      r.LastUpdate,
			PeriodTotal:     r.PeriodTotal,
			PeriodStart:     r.PeriodStart,
			PrevPeriodTotal: r.PrevTotal,
		}
		if r.PrevStart != nil {
			u.PrevPeriodStart = *r.PrevStart
		}
		set[r.Dimension] = u
	}
	return set, nil
}

func (s *GormStore) SaveUsage(ctx context.Context, id string, set model.UsageSet) error {
	if len(set) == 0 {
		return nil
	}
	rows := make([]usageRow, 0, len(set))
	for dim, u := range set {
		row := usageRow{
			ResourceID:  id,
			Dimension:   dim,
			Decayed:     u.Decayed,
			Baseline:    u.Baseline,
			LastUpdate:  u.LastUpdate,
			PeriodTotal: u.PeriodTotal,
			PeriodStart: u.PeriodStart,
			PrevTotal:   u.PrevPeriodTotal,
		}
		if !u.PrevPeriodStart.IsZero() {
			prev := u.PrevPeriodStart
			row.PrevStart = &prev
		}
		rows = append(rows, row)
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&rows).Error
}

func (s *GormStore) LatestDirective(ctx context.Context, id string) (*model.Directive, error) {
	var row directiveRow
	err := s.db.WithContext(ctx).Where("resource_id = ?", id).Order("version DESC").First(&row).Error
	if err != nil {
		return nil, notFound(err, "directive for "+id)
	}
	var d model.Directive
	if err := json.Unmarshal([]byte(row.Payload), &d); err != nil {
		return nil, fmt.Errorf("decode directive %s v%d: %w", id, row.Version, err)
	}
	return &d, nil
}

// SaveDirective locks the resource row so concurrent writers for the same resource serialize
// on the version check.
func (s *GormStore) SaveDirective(ctx context.Context, d *model.Directive) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var owner resourceRow
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").Where("id = ?", d.ResourceID).First(&owner).Error; err != nil {
			return notFound(err, "resource "+d.ResourceID)
		}
		var latest uint64
		if err := tx.Model(&directiveRow{}).Where("resource_id = ?", d.ResourceID).
			Select("COALESCE(MAX(version), 0)").Scan(&latest).Error; err != nil {
			return err
		}
		if d.Version <= latest {
			return fmt.Errorf("directive %s v%d: stored version is %d: %w", d.ResourceID, d.Version, latest, ErrConflict)
		}
		return tx.Create(&directiveRow{
			ResourceID: d.ResourceID,
			Version:    d.Version,
			Payload:    string(payload),
			CreatedAt:  time.Now().UTC(),
		}).Error
	})
}
