package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/clarinet-dicom/clarinet/common"
)

// recordPreloads attaches every relation a returned record exposes. Reads
// that cross relations must preload them; callers never lazy-load.
func recordPreloads(tx *gorm.DB) *gorm.DB {
	return tx.
		Preload("Patient").
		Preload("Study").
		Preload("Series").
		Preload("RecordType").
		Preload("User")
}

// CreateRecord validates the level invariant and the type's concurrency
// bound, then persists the record with status pending. The count and the
// insert run in one transaction holding a row lock on the record type,
// so two concurrent creates cannot both pass a max_users check with one
// slot left.
func (s *Store) CreateRecord(ctx context.Context, record *Record) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rt RecordType
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&rt, record.RecordTypeID).Error
		if err != nil {
			return translate(err, fmt.Sprintf("record type %d", record.RecordTypeID))
		}

		if err := record.ValidateLevel(rt.Level); err != nil {
			return err
		}
		if err := s.checkConstraintsLocked(ctx, tx, &rt, record.StudyID, record.SeriesID); err != nil {
			return err
		}

		if record.Status == "" {
			record.Status = StatusPending
		}
		if !ValidStatus(record.Status) {
			return fmt.Errorf("unknown status %q: %w", record.Status, common.ErrValidation)
		}

		return translate(tx.Create(record).Error, "failed to create record")
	})
	if err != nil {
		return err
	}
	return s.reload(ctx, record)
}

// GetRecord loads a record with all relations preloaded.
func (s *Store) GetRecord(ctx context.Context, id uint) (*Record, error) {
	var record Record
	err := recordPreloads(s.db.WithContext(ctx)).First(&record, id).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("record %d", id))
	}
	return &record, nil
}

func (s *Store) reload(ctx context.Context, record *Record) error {
	return translate(
		recordPreloads(s.db.WithContext(ctx)).First(record, record.ID).Error,
		fmt.Sprintf("record %d", record.ID))
}

// AssignUser sets the record's user and transitions it to inwork in one
// transaction. Fails with NotFound when either side is missing.
func (s *Store) AssignUser(ctx context.Context, recordID uint, userID string) (*Record, error) {
	var record Record
	var prev Status

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&record, recordID).Error; err != nil {
			return translate(err, fmt.Sprintf("record %d", recordID))
		}
		var user User
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			return translate(err, fmt.Sprintf("user %s", userID))
		}

		prev = record.Status
		now := time.Now()
		updates := map[string]interface{}{
			"user_id":    userID,
			"status":     StatusInWork,
			"changed_at": now,
		}
		if record.StartedAt == nil {
			updates["started_at"] = now
		}
		return translate(tx.Model(&record).Updates(updates).Error,
			fmt.Sprintf("record %d", recordID))
	})
	if err != nil {
		return nil, err
	}

	if err := s.reload(ctx, &record); err != nil {
		return nil, err
	}
	if prev != StatusInWork {
		s.notifyStatusChange(ctx, &record, StatusInWork, prev)
	}
	return &record, nil
}

// UpdateStatus transitions a record and returns it together with the
// previous status. Timestamp side effects: started_at is set on the first
// transition to inwork, finished_at on every transition to finished.
func (s *Store) UpdateStatus(ctx context.Context, recordID uint, newStatus Status) (*Record, Status, error) {
	if !ValidStatus(newStatus) {
		return nil, "", fmt.Errorf("unknown status %q: %w", newStatus, common.ErrValidation)
	}

	var record Record
	var prev Status

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&record, recordID).Error; err != nil {
			return translate(err, fmt.Sprintf("record %d", recordID))
		}
		prev = record.Status

		now := time.Now()
		updates := map[string]interface{}{
			"status":     newStatus,
			"changed_at": now,
		}
		if newStatus == StatusInWork && record.StartedAt == nil {
			updates["started_at"] = now
		}
		if newStatus == StatusFinished {
			updates["finished_at"] = now
		}
		return translate(tx.Model(&record).Updates(updates).Error,
			fmt.Sprintf("record %d", recordID))
	})
	if err != nil {
		return nil, "", err
	}

	if err := s.reload(ctx, &record); err != nil {
		return nil, "", err
	}
	if newStatus != prev {
		s.notifyStatusChange(ctx, &record, newStatus, prev)
	}
	return &record, prev, nil
}

// InvalidateMode selects how far an invalidation resets a record.
type InvalidateMode string

const (
	// InvalidateHard resets status to pending; user assignment survives.
	InvalidateHard InvalidateMode = "hard"
	// InvalidateSoft only appends the reason to context_info.
	InvalidateSoft InvalidateMode = "soft"
)

// InvalidateRecord appends the reason to the record's context_info
// (newline-joined). Hard mode additionally resets status to pending.
func (s *Store) InvalidateRecord(ctx context.Context, recordID uint, mode InvalidateMode, sourceRecordID uint, reason string) error {
	var record Record
	var prev Status

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&record, recordID).Error; err != nil {
			return translate(err, fmt.Sprintf("record %d", recordID))
		}
		prev = record.Status

		line := fmt.Sprintf("invalidated by record %d: %s", sourceRecordID, reason)
		info := line
		if record.ContextInfo != nil && *record.ContextInfo != "" {
			info = strings.Join([]string{*record.ContextInfo, line}, "\n")
		}

		updates := map[string]interface{}{
			"context_info": info,
			"changed_at":   time.Now(),
		}
		if mode == InvalidateHard {
			updates["status"] = StatusPending
		}
		return translate(tx.Model(&record).Updates(updates).Error,
			fmt.Sprintf("record %d", recordID))
	})
	if err != nil {
		return err
	}

	if mode == InvalidateHard && prev != StatusPending {
		if err := s.reload(ctx, &record); err != nil {
			return err
		}
		s.notifyStatusChange(ctx, &record, StatusPending, prev)
	}
	return nil
}

// CheckConstraints admits a proposed record of the named type iff the count
// of existing records sharing (type, study, series) is strictly below the
// type's max_users. Nil max_users is unbounded.
func (s *Store) CheckConstraints(ctx context.Context, typeName string, studyUID, seriesUID *string) error {
	rt, err := s.GetRecordType(ctx, typeName)
	if err != nil {
		return err
	}

	var studyID, seriesID *uint
	if studyUID != nil {
		study, err := s.GetStudyByUID(ctx, *studyUID)
		if err != nil {
			return err
		}
		studyID = &study.ID
	}
	if seriesUID != nil {
		series, err := s.GetSeriesByUID(ctx, *seriesUID)
		if err != nil {
			return err
		}
		seriesID = &series.ID
	}

	return s.checkConstraintsLocked(ctx, s.db, rt, studyID, seriesID)
}

func (s *Store) checkConstraintsLocked(ctx context.Context, tx *gorm.DB, rt *RecordType, studyID, seriesID *uint) error {
	if rt.MaxUsers == nil {
		return nil
	}

	q := tx.WithContext(ctx).Model(&Record{}).Where("record_type_id = ?", rt.ID)
	if studyID != nil {
		q = q.Where("study_id = ?", *studyID)
	} else {
		q = q.Where("study_id IS NULL")
	}
	if seriesID != nil {
		q = q.Where("series_id = ?", *seriesID)
	} else {
		q = q.Where("series_id IS NULL")
	}

	var count int64
	if err := q.Count(&count).Error; err != nil {
		return translate(err, "failed to count records")
	}
	if count >= int64(*rt.MaxUsers) {
		return fmt.Errorf("record type %q already has %d records for this scope, max_users limit is %d: %w",
			rt.Name, count, *rt.MaxUsers, common.ErrConflict)
	}
	return nil
}

// SubmitData validates the payload against the type's JSON Schema (when
// one is configured) and stores it on the record.
func (s *Store) SubmitData(ctx context.Context, recordID uint, data json.RawMessage) (*Record, error) {
	record, err := s.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if record.RecordType != nil && len(record.RecordType.DataSchema) > 0 {
		if err := validateAgainstSchema(record.RecordType.DataSchema, data); err != nil {
			return nil, err
		}
	}

	err = s.db.WithContext(ctx).Model(record).Updates(map[string]interface{}{
		"data":       data,
		"changed_at": time.Now(),
	}).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("record %d", recordID))
	}
	if err := s.reload(ctx, record); err != nil {
		return nil, err
	}
	return record, nil
}

// validateAgainstSchema compiles the stored JSON Schema and validates data.
func validateAgainstSchema(schema, data json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("invalid data schema: %v: %w", err, common.ErrValidation)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("invalid data schema: %v: %w", err, common.ErrValidation)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("payload is not valid JSON: %v: %w", err, common.ErrValidation)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("payload does not match schema: %v: %w", err, common.ErrValidation)
	}
	return nil
}

// ValidateSchemaDocument checks that raw is itself a usable JSON Schema.
func ValidateSchemaDocument(raw json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err != nil {
		return fmt.Errorf("invalid JSON Schema: %v: %w", err, common.ErrValidation)
	}
	if _, err := compiler.Compile("schema.json"); err != nil {
		return fmt.Errorf("invalid JSON Schema: %v: %w", err, common.ErrValidation)
	}
	return nil
}

// TypeCount pairs a record type with its number of pending records.
type TypeCount struct {
	TypeName string `json:"type_name"`
	Label    string `json:"label"`
	Pending  int64  `json:"pending"`
}

// AvailableTypeCounts joins RecordType, Role and User to return, for each
// type the user's roles permit, the number of pending records of that type.
func (s *Store) AvailableTypeCounts(ctx context.Context, userID string) ([]TypeCount, error) {
	var counts []TypeCount
	err := s.db.WithContext(ctx).Raw(`
		SELECT rt.name AS type_name,
		       rt.label AS label,
		       COUNT(r.id) FILTER (WHERE r.status = ?) AS pending
		FROM record_types rt
		JOIN role_record_types rrt ON rrt.record_type_id = rt.id
		JOIN user_roles ur ON ur.role_id = rrt.role_id
		LEFT JOIN records r ON r.record_type_id = rt.id
		WHERE ur.user_id = ?
		GROUP BY rt.name, rt.label
		ORDER BY rt.name
	`, StatusPending, userID).Scan(&counts).Error
	if err != nil {
		return nil, translate(err, "failed to compute available type counts")
	}
	return counts, nil
}

// RecordsForStudy returns all records attached to the study, oldest first,
// with relations preloaded. Used by the flow engine to build its context.
func (s *Store) RecordsForStudy(ctx context.Context, studyID uint) ([]Record, error) {
	var records []Record
	err := recordPreloads(s.db.WithContext(ctx)).
		Where("study_id = ?", studyID).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("records of study %d", studyID))
	}
	return records, nil
}

// RecordsForSeries returns all records attached to the series, oldest first.
func (s *Store) RecordsForSeries(ctx context.Context, seriesID uint) ([]Record, error) {
	var records []Record
	err := recordPreloads(s.db.WithContext(ctx)).
		Where("series_id = ?", seriesID).
		Order("created_at").
		Find(&records).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("records of series %d", seriesID))
	}
	return records, nil
}
