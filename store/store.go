package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/config"
)

// StatusListener is notified after a record status change has been
// committed. The record carries its preloaded relations.
type StatusListener func(ctx context.Context, record *Record, newStatus, oldStatus Status)

// Store provides all persistence operations. It is safe for concurrent use;
// each operation runs in its own transaction.
type Store struct {
	db        *gorm.DB
	listeners []StatusListener
}

// Open connects to postgres and tunes the connection pool.
func Open(cfg config.DatabaseConfig) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the canonical table layout.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(
		&Patient{},
		&Study{},
		&Series{},
		&Role{},
		&User{},
		&RecordType{},
		&Record{},
		&AccessToken{},
	)
}

// OnStatusChange registers a listener invoked after every committed status
// transition. Registration is not concurrency safe; wire listeners at
// startup before serving traffic.
func (s *Store) OnStatusChange(fn StatusListener) {
	s.listeners = append(s.listeners, fn)
}

func (s *Store) notifyStatusChange(ctx context.Context, record *Record, newStatus, oldStatus Status) {
	for _, fn := range s.listeners {
		fn(ctx, record, newStatus, oldStatus)
	}
}

// translate maps gorm errors onto the common taxonomy.
func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, common.ErrNotFound)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "duplicate key") {
		return fmt.Errorf("%s: %w", what, common.ErrConflict)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- Patients ---

// CreatePatient persists a new patient. AutoID is assigned by the database.
func (s *Store) CreatePatient(ctx context.Context, patient *Patient) error {
	return translate(s.db.WithContext(ctx).Create(patient).Error, "failed to create patient")
}

// GetPatient loads a patient by primary key.
func (s *Store) GetPatient(ctx context.Context, id uint) (*Patient, error) {
	var patient Patient
	err := s.db.WithContext(ctx).First(&patient, id).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("patient %d", id))
	}
	return &patient, nil
}

// GetPatientByIdentifier loads a patient by its external identifier.
func (s *Store) GetPatientByIdentifier(ctx context.Context, identifier string) (*Patient, error) {
	var patient Patient
	err := s.db.WithContext(ctx).Where("identifier = ?", identifier).First(&patient).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("patient %q", identifier))
	}
	return &patient, nil
}

// DeletePatient removes a patient and, through cascade, its studies,
// series and records.
func (s *Store) DeletePatient(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&Patient{}, id)
	if res.Error != nil {
		return translate(res.Error, fmt.Sprintf("patient %d", id))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("patient %d: %w", id, common.ErrNotFound)
	}
	return nil
}

// --- Studies ---

// CreateStudy persists a new study after UID validation.
func (s *Store) CreateStudy(ctx context.Context, study *Study) error {
	if err := ValidateUID(study.UID); err != nil {
		return err
	}
	return translate(s.db.WithContext(ctx).Create(study).Error, "failed to create study")
}

// GetStudyByUID loads a study with its patient preloaded.
func (s *Store) GetStudyByUID(ctx context.Context, uid string) (*Study, error) {
	var study Study
	err := s.db.WithContext(ctx).Preload("Patient").Where("uid = ?", uid).First(&study).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("study %s", uid))
	}
	return &study, nil
}

// DeleteStudy removes a study; cascade removes its series and records.
func (s *Store) DeleteStudy(ctx context.Context, uid string) error {
	res := s.db.WithContext(ctx).Where("uid = ?", uid).Delete(&Study{})
	if res.Error != nil {
		return translate(res.Error, fmt.Sprintf("study %s", uid))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("study %s: %w", uid, common.ErrNotFound)
	}
	return nil
}

// --- Series ---

// CreateSeries persists a new series after validation.
func (s *Store) CreateSeries(ctx context.Context, series *Series) error {
	if err := series.Validate(); err != nil {
		return err
	}
	return translate(s.db.WithContext(ctx).Create(series).Error, "failed to create series")
}

// GetSeriesByUID loads a series with its study and patient preloaded.
func (s *Store) GetSeriesByUID(ctx context.Context, uid string) (*Series, error) {
	var series Series
	err := s.db.WithContext(ctx).
		Preload("Study").
		Preload("Study.Patient").
		Where("uid = ?", uid).
		First(&series).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("series %s", uid))
	}
	return &series, nil
}

// --- Record types ---

// CreateRecordType persists a new record type.
func (s *Store) CreateRecordType(ctx context.Context, rt *RecordType) error {
	return translate(s.db.WithContext(ctx).Create(rt).Error, "failed to create record type")
}

// GetRecordType loads a record type by name with its roles preloaded.
func (s *Store) GetRecordType(ctx context.Context, name string) (*RecordType, error) {
	var rt RecordType
	err := s.db.WithContext(ctx).Preload("Roles").Where("name = ?", name).First(&rt).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("record type %q", name))
	}
	return &rt, nil
}

// ListRecordTypes returns all record types.
func (s *Store) ListRecordTypes(ctx context.Context) ([]RecordType, error) {
	var types []RecordType
	err := s.db.WithContext(ctx).Preload("Roles").Order("name").Find(&types).Error
	if err != nil {
		return nil, translate(err, "failed to list record types")
	}
	return types, nil
}

// UpdateRecordType saves modified record type fields.
func (s *Store) UpdateRecordType(ctx context.Context, rt *RecordType) error {
	return translate(s.db.WithContext(ctx).Save(rt).Error, fmt.Sprintf("record type %q", rt.Name))
}

// DeleteRecordType removes a record type by name.
func (s *Store) DeleteRecordType(ctx context.Context, name string) error {
	res := s.db.WithContext(ctx).Where("name = ?", name).Delete(&RecordType{})
	if res.Error != nil {
		return translate(res.Error, fmt.Sprintf("record type %q", name))
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record type %q: %w", name, common.ErrNotFound)
	}
	return nil
}
