package store

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/clarinet-dicom/clarinet/common"
)

// Anon UID sentinels accepted by the anon_* filters.
const (
	// AnonNull matches entities whose anon UID IS NULL.
	AnonNull = "Null"
	// AnonAny matches entities whose anon UID IS NOT NULL.
	AnonAny = "*"
)

// JSONOp is a comparison operator for JSON payload filters.
type JSONOp string

const (
	JSONEq       JSONOp = "eq"
	JSONLt       JSONOp = "lt"
	JSONGt       JSONOp = "gt"
	JSONContains JSONOp = "contains"
)

// JSONFilter compares one top-level field of the record payload. The cast
// applied in SQL follows the runtime type of Value (string, bool, int,
// float).
type JSONFilter struct {
	Field string
	Op    JSONOp
	Value interface{}
}

// Criteria describes a record search. Nil pointers mean "no filter".
type Criteria struct {
	// PatientID filters by the patient's external identifier.
	PatientID *string

	// AnonPatientID filters by the derived "<prefix>_<n>" anonymous id.
	AnonPatientID *string

	StudyUID *string

	// AnonStudyUID accepts AnonNull, AnonAny or an exact value.
	AnonStudyUID *string

	SeriesUID *string

	// AnonSeriesUID accepts the same sentinels as AnonStudyUID.
	AnonSeriesUID *string

	// WithoutUser is the user-presence tri-state: nil = no filter,
	// true = user_id IS NULL, false = user_id IS NOT NULL.
	WithoutUser *bool

	TypeName *string
	Status   *Status

	// DataFilters apply in order against the record payload.
	DataFilters []JSONFilter

	// RandomOne reduces the result to a single uniformly chosen record
	// after all filters have applied.
	RandomOne bool
}

// FindRecords searches records by the given criteria. Every returned record
// carries its preloaded relations.
func (s *Store) FindRecords(ctx context.Context, criteria Criteria) ([]Record, error) {
	q := recordPreloads(s.db.WithContext(ctx).Model(&Record{})).
		Joins("JOIN patients ON patients.id = records.patient_id").
		Joins("LEFT JOIN studies ON studies.id = records.study_id").
		Joins("LEFT JOIN series ON series.id = records.series_id").
		Joins("JOIN record_types ON record_types.id = records.record_type_id")

	if criteria.PatientID != nil {
		q = q.Where("patients.identifier = ?", *criteria.PatientID)
	}
	if criteria.AnonPatientID != nil {
		autoID, err := parseAnonID(*criteria.AnonPatientID)
		if err != nil {
			return nil, err
		}
		q = q.Where("patients.auto_id = ?", autoID)
	}
	if criteria.StudyUID != nil {
		q = q.Where("studies.uid = ?", *criteria.StudyUID)
	}
	if criteria.AnonStudyUID != nil {
		q = applyAnonFilter(q, "studies.anon_uid", *criteria.AnonStudyUID)
	}
	if criteria.SeriesUID != nil {
		q = q.Where("series.uid = ?", *criteria.SeriesUID)
	}
	if criteria.AnonSeriesUID != nil {
		q = applyAnonFilter(q, "series.anon_uid", *criteria.AnonSeriesUID)
	}
	if criteria.WithoutUser != nil {
		if *criteria.WithoutUser {
			q = q.Where("records.user_id IS NULL")
		} else {
			q = q.Where("records.user_id IS NOT NULL")
		}
	}
	if criteria.TypeName != nil {
		q = q.Where("record_types.name = ?", *criteria.TypeName)
	}
	if criteria.Status != nil {
		q = q.Where("records.status = ?", *criteria.Status)
	}

	for _, f := range criteria.DataFilters {
		var err error
		q, err = applyJSONFilter(q, f)
		if err != nil {
			return nil, err
		}
	}

	var records []Record
	if err := q.Order("records.created_at").Find(&records).Error; err != nil {
		return nil, translate(err, "failed to find records")
	}

	if criteria.RandomOne && len(records) > 1 {
		records = []Record{records[rand.Intn(len(records))]}
	}
	return records, nil
}

// parseAnonID extracts the auto_id from a "<prefix>_<n>" anonymous id.
func parseAnonID(anonID string) (int64, error) {
	idx := strings.LastIndex(anonID, "_")
	if idx < 0 || idx == len(anonID)-1 {
		return 0, fmt.Errorf("malformed anonymous patient id %q: %w", anonID, common.ErrValidation)
	}
	n, err := strconv.ParseInt(anonID[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed anonymous patient id %q: %w", anonID, common.ErrValidation)
	}
	return n, nil
}

// applyAnonFilter implements the Null / * / exact sentinel semantics.
func applyAnonFilter(q *gorm.DB, column, value string) *gorm.DB {
	switch value {
	case AnonNull:
		return q.Where(column + " IS NULL")
	case AnonAny:
		return q.Where(column + " IS NOT NULL")
	default:
		return q.Where(column+" = ?", value)
	}
}

// applyJSONFilter appends one payload comparison. The SQL cast matches the
// runtime type of the filter value.
func applyJSONFilter(q *gorm.DB, f JSONFilter) (*gorm.DB, error) {
	field := "records.data ->> '" + strings.ReplaceAll(f.Field, "'", "''") + "'"

	var expr string
	var value interface{} = f.Value

	switch f.Value.(type) {
	case string:
		expr = field
	case bool:
		expr = "(" + field + ")::boolean"
	case int, int32, int64, float32, float64:
		expr = "(" + field + ")::numeric"
	default:
		return nil, fmt.Errorf("unsupported JSON filter value type %T: %w", f.Value, common.ErrValidation)
	}

	switch f.Op {
	case JSONEq:
		return q.Where(expr+" = ?", value), nil
	case JSONLt:
		return q.Where(expr+" < ?", value), nil
	case JSONGt:
		return q.Where(expr+" > ?", value), nil
	case JSONContains:
		str, ok := f.Value.(string)
		if !ok {
			return nil, fmt.Errorf("contains filter requires a string value: %w", common.ErrValidation)
		}
		return q.Where(field+" LIKE ?", "%"+str+"%"), nil
	default:
		return nil, fmt.Errorf("unknown JSON filter op %q: %w", f.Op, common.ErrValidation)
	}
}
