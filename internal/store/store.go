// Package store persists runtime records so that a restarted process can reattach to the
// runtimes it started, keeping their output channels and status.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/eagraf/habitat-runtime/core/runtime"
	"github.com/eagraf/habitat-runtime/internal/pubsub"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type RuntimeRecord struct {
	RuntimeKey     string `gorm:"primaryKey"`
	WorkspaceID    string `gorm:"index"`
	OwnerID        string
	EnvName        string
	InfraNamespace string
	Infrastructure string `gorm:"index"`
	Status         string
	OutputChannel  string
	Machines       map[string]runtime.Machine `gorm:"serializer:json"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (r *RuntimeRecord) Identity() runtime.Identity {
	return runtime.NewIdentity(r.WorkspaceID, r.OwnerID, r.EnvName, r.InfraNamespace)
}

func NewRecord(id runtime.Identity, infrastructure string, status runtime.Status) *RuntimeRecord {
	return &RuntimeRecord{
		RuntimeKey:     id.Key(),
		WorkspaceID:    id.WorkspaceID,
		OwnerID:        id.OwnerID,
		EnvName:        id.EnvName,
		InfraNamespace: id.InfraNamespace,
		Infrastructure: infrastructure,
		Status:         string(status),
		Machines:       make(map[string]runtime.Machine),
	}
}

type Store struct {
	db *gorm.DB
}

var _ pubsub.Subscriber[runtime.Event] = &Store{}

// Open opens or creates the sqlite database at path. Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("error opening runtime store %s: %w", path, err)
	}
	if err := db.AutoMigrate(&RuntimeRecord{}); err != nil {
		return nil, fmt.Errorf("error migrating runtime store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Save inserts the record, or replaces the stored record with the same identity.
func (s *Store) Save(rec *RuntimeRecord) error {
	return s.db.Clauses(clause.OnConflict{UpdateAll: true}).Create(rec).Error
}

func (s *Store) Get(id runtime.Identity) (*RuntimeRecord, error) {
	var rec RuntimeRecord
	err := s.db.Where("runtime_key = ?", id.Key()).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", runtime.ErrRuntimeNotFound, id)
	} else if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the records of one infrastructure, or of all of them if infrastructure is empty.
func (s *Store) List(infrastructure string) ([]*RuntimeRecord, error) {
	var recs []*RuntimeRecord
	q := s.db.Order("runtime_key")
	if infrastructure != "" {
		q = q.Where("infrastructure = ?", infrastructure)
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) Delete(id runtime.Identity) error {
	return s.db.Where("runtime_key = ?", id.Key()).Delete(&RuntimeRecord{}).Error
}

// ConsumeEvent keeps the stored status in step with the runtime. Stopped runtimes are deleted.
func (s *Store) ConsumeEvent(e *runtime.Event) error {
	if e.Status == runtime.StatusStopped {
		return s.Delete(e.Identity)
	}
	res := s.db.Model(&RuntimeRecord{}).
		Where("runtime_key = ?", e.Identity.Key()).
		Update("status", string(e.Status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		log.Warn().Msgf("no stored record for runtime %s to move to %s", e.Identity, e.Status)
	}
	return nil
}
