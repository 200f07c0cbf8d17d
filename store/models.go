// Package store implements the persistent entity store for Clarinet: the
// DICOM patient/study/series hierarchy, clinical work records and their
// types, users, roles and sessions. All relational access goes through the
// Store type; callers never touch gorm directly.
package store

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/clarinet-dicom/clarinet/common"
)

// Level is the hierarchy level a record type binds to.
type Level string

const (
	LevelPatient Level = "PATIENT"
	LevelStudy   Level = "STUDY"
	LevelSeries  Level = "SERIES"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInWork   Status = "inwork"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusPaused   Status = "paused"
)

// ValidStatus reports whether s is a known record status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInWork, StatusFinished, StatusFailed, StatusPaused:
		return true
	}
	return false
}

// uidPattern matches DICOM-formatted UIDs: digits and dots, 5..64 chars.
var uidPattern = regexp.MustCompile(`^[0-9.]{5,64}$`)

// ValidateUID checks DICOM UID formatting.
func ValidateUID(uid string) error {
	if !uidPattern.MatchString(uid) {
		return fmt.Errorf("malformed DICOM UID %q: %w", uid, common.ErrValidation)
	}
	return nil
}

// Patient is the root of the DICOM hierarchy. AutoID is assigned
// monotonically by the database and drives the derived anonymous id.
type Patient struct {
	ID         uint    `gorm:"primaryKey" json:"id"`
	Identifier string  `gorm:"uniqueIndex;not null" json:"identifier"`
	Name       string  `json:"name"`
	AnonName   *string `gorm:"uniqueIndex" json:"anon_name,omitempty"`
	AutoID     int64   `gorm:"uniqueIndex;autoIncrement" json:"auto_id"`

	Studies []Study `gorm:"constraint:OnDelete:CASCADE" json:"studies,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// AnonID derives the anonymous patient id as "<prefix>_<auto_id>".
func (p *Patient) AnonID(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, p.AutoID)
}

// Study groups series under a patient. Deleting a study cascades to its
// series and records.
type Study struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	UID       string     `gorm:"uniqueIndex;not null" json:"uid"`
	Date      *time.Time `json:"date,omitempty"`
	AnonUID   *string    `json:"anon_uid,omitempty"`
	PatientID uint       `gorm:"index;not null" json:"patient_id"`
	Patient   *Patient   `json:"patient,omitempty"`

	Series  []Series `gorm:"constraint:OnDelete:CASCADE" json:"series,omitempty"`
	Records []Record `gorm:"constraint:OnDelete:CASCADE" json:"records,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Series is one acquisition within a study. Deleting a series cascades to
// its records.
type Series struct {
	ID          uint    `gorm:"primaryKey" json:"id"`
	UID         string  `gorm:"uniqueIndex;not null" json:"uid"`
	Number      int     `json:"number"`
	Description *string `json:"description,omitempty"`
	AnonUID     *string `json:"anon_uid,omitempty"`
	StudyID     uint    `gorm:"index;not null" json:"study_id"`
	Study       *Study  `json:"study,omitempty"`

	Records []Record `gorm:"constraint:OnDelete:CASCADE" json:"records,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the series number range.
func (s *Series) Validate() error {
	if s.Number < 1 || s.Number > 99999 {
		return fmt.Errorf("series number %d out of range 1..99999: %w", s.Number, common.ErrValidation)
	}
	return ValidateUID(s.UID)
}

// FileSpec names one input or output file of a record type by glob pattern.
type FileSpec struct {
	Name    string `json:"name"`
	Pattern string `json:"pattern"`
}

// FileSpecList is stored as a JSON column.
type FileSpecList []FileSpec

// RecordType describes a category of clinical work. The optional DataSchema
// is a JSON Schema the record payload must satisfy.
type RecordType struct {
	ID          uint   `gorm:"primaryKey" json:"id"`
	Name        string `gorm:"uniqueIndex;not null" json:"name"`
	Description string `json:"description"`
	Label       string `json:"label"`

	DataSchema json.RawMessage `gorm:"type:jsonb" json:"data_schema,omitempty"`

	Level Level `gorm:"not null" json:"level"`

	// Role optionally restricts who may work on records of this type.
	Role *string `json:"role,omitempty"`

	// MinUsers/MaxUsers bound how many records of this type may coexist
	// for one (study, series) scope. Nil means unbounded.
	MinUsers *int `json:"min_users,omitempty"`
	MaxUsers *int `json:"max_users,omitempty"`

	InputFiles  json.RawMessage `gorm:"type:jsonb" json:"input_files,omitempty"`
	OutputFiles json.RawMessage `gorm:"type:jsonb" json:"output_files,omitempty"`

	// SlicerScript and its argument templates are opaque to the engine;
	// they are composed and shipped by the slicer service.
	SlicerScript              *string         `json:"slicer_script,omitempty"`
	SlicerScriptArgs          json.RawMessage `gorm:"type:jsonb" json:"slicer_script_args,omitempty"`
	SlicerResultValidatorArgs json.RawMessage `gorm:"type:jsonb" json:"slicer_result_validator_args,omitempty"`

	Roles []Role `gorm:"many2many:role_record_types" json:"roles,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseInputFiles decodes the input file specs.
func (t *RecordType) ParseInputFiles() (FileSpecList, error) {
	return parseFileSpecs(t.InputFiles)
}

// ParseOutputFiles decodes the output file specs.
func (t *RecordType) ParseOutputFiles() (FileSpecList, error) {
	return parseFileSpecs(t.OutputFiles)
}

func parseFileSpecs(raw json.RawMessage) (FileSpecList, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var specs FileSpecList
	if err := json.Unmarshal(raw, &specs); err != nil {
		return nil, fmt.Errorf("failed to decode file specs: %w", err)
	}
	return specs, nil
}

// Record is one unit of clinical work attached to the hierarchy at the
// level its type demands.
type Record struct {
	ID uint `gorm:"primaryKey" json:"id"`

	PatientID uint     `gorm:"index;not null" json:"patient_id"`
	Patient   *Patient `json:"patient,omitempty"`

	StudyID *uint  `gorm:"index" json:"study_id,omitempty"`
	Study   *Study `json:"study,omitempty"`

	SeriesID *uint   `gorm:"index" json:"series_id,omitempty"`
	Series   *Series `json:"series,omitempty"`

	RecordTypeID uint        `gorm:"index;not null" json:"record_type_id"`
	RecordType   *RecordType `json:"record_type,omitempty"`

	UserID *string `gorm:"index" json:"user_id,omitempty"`
	User   *User   `json:"user,omitempty"`

	Status Status `gorm:"index;default:pending" json:"status"`

	Data  json.RawMessage `gorm:"type:jsonb" json:"data,omitempty"`
	Files json.RawMessage `gorm:"type:jsonb" json:"files,omitempty"`

	ContextInfo *string `json:"context_info,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ChangedAt  time.Time  `gorm:"autoUpdateTime" json:"changed_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ValidateLevel enforces the level invariant: PATIENT records carry no
// study/series reference, STUDY records carry a study but no series, and
// SERIES records carry both. A violating record must not be persisted.
func (r *Record) ValidateLevel(level Level) error {
	switch level {
	case LevelPatient:
		if r.StudyID != nil || r.SeriesID != nil {
			return fmt.Errorf("PATIENT-level record must not reference study or series: %w", common.ErrValidation)
		}
	case LevelStudy:
		if r.StudyID == nil {
			return fmt.Errorf("STUDY-level record requires a study: %w", common.ErrValidation)
		}
		if r.SeriesID != nil {
			return fmt.Errorf("STUDY-level record must not reference a series: %w", common.ErrValidation)
		}
	case LevelSeries:
		if r.StudyID == nil || r.SeriesID == nil {
			return fmt.Errorf("SERIES-level record requires study and series: %w", common.ErrValidation)
		}
	default:
		return fmt.Errorf("unknown record level %q: %w", level, common.ErrValidation)
	}
	return nil
}

// DataMap decodes the record payload into a generic map.
func (r *Record) DataMap() (map[string]interface{}, error) {
	if len(r.Data) == 0 {
		return map[string]interface{}{}, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(r.Data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode record data: %w", err)
	}
	return m, nil
}

// User is an account that can be assigned records.
type User struct {
	ID             string `gorm:"primaryKey" json:"id"` // UUID
	Email          string `gorm:"uniqueIndex;not null" json:"email"`
	HashedPassword string `json:"-"`
	IsActive       bool   `gorm:"default:true" json:"is_active"`
	IsSuperuser    bool   `gorm:"default:false" json:"is_superuser"`

	Roles []Role `gorm:"many2many:user_roles" json:"roles,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasRole reports whether the user carries the named role. Superusers pass
// every role check.
func (u *User) HasRole(name string) bool {
	if u.IsSuperuser {
		return true
	}
	for _, r := range u.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// Role links users to the record types they may work on.
type Role struct {
	ID   uint   `gorm:"primaryKey" json:"id"`
	Name string `gorm:"uniqueIndex;not null" json:"name"`

	Users       []User       `gorm:"many2many:user_roles" json:"-"`
	RecordTypes []RecordType `gorm:"many2many:role_record_types" json:"-"`
}

// AccessToken is one login session. The opaque token is the primary key.
type AccessToken struct {
	Token        string    `gorm:"primaryKey" json:"token"`
	UserID       string    `gorm:"index;not null" json:"user_id"`
	User         *User     `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    time.Time `gorm:"index" json:"expires_at"`
	IPAddress    *string   `json:"ip_address,omitempty"`
	UserAgent    *string   `json:"user_agent,omitempty"`
}

// Expired reports whether the session lifetime has elapsed.
func (t *AccessToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}
