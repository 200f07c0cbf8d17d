package store

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/clarinet-dicom/clarinet/common"
)

// Template placeholders available to slicer argument templates.
const (
	VarPatientID       = "patient_id"
	VarPatientAnonName = "patient_anon_name"
	VarStudyUID        = "study_uid"
	VarStudyAnonUID    = "study_anon_uid"
	VarSeriesUID       = "series_uid"
	VarSeriesAnonUID   = "series_anon_uid"
	VarUserID          = "user_id"
	VarStoragePath     = "clarinet_storage_path"
)

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// WorkingFolder computes the record's working directory under the storage
// root, keyed by anonymized identifiers:
//
//	SERIES:  <storage>/<patient_anon_id>/<study_anon_uid>/<series_anon_uid>
//	STUDY:   <storage>/<patient_anon_id>/<study_anon_uid>
//	PATIENT: <storage>/<patient_anon_id>
//
// The record must carry its preloaded relations.
func WorkingFolder(record *Record, storagePath, anonPrefix string) (string, error) {
	if record.RecordType == nil || record.Patient == nil {
		return "", fmt.Errorf("record %d is missing preloaded relations: %w", record.ID, common.ErrValidation)
	}

	parts := []string{storagePath, record.Patient.AnonID(anonPrefix)}

	switch record.RecordType.Level {
	case LevelPatient:
		// patient folder only
	case LevelStudy, LevelSeries:
		if record.Study == nil || record.Study.AnonUID == nil {
			return "", fmt.Errorf("record %d has no anonymized study: %w", record.ID, common.ErrValidation)
		}
		parts = append(parts, *record.Study.AnonUID)
		if record.RecordType.Level == LevelSeries {
			if record.Series == nil || record.Series.AnonUID == nil {
				return "", fmt.Errorf("record %d has no anonymized series: %w", record.ID, common.ErrValidation)
			}
			parts = append(parts, *record.Series.AnonUID)
		}
	default:
		return "", fmt.Errorf("unknown level %q: %w", record.RecordType.Level, common.ErrValidation)
	}

	return filepath.Join(parts...), nil
}

// TemplateVars collects the substitution values available for one record.
// Absent values stay nil; FormatTemplate treats them as missing.
func TemplateVars(record *Record, storagePath, anonPrefix string) map[string]*string {
	vars := map[string]*string{
		VarPatientID:       nil,
		VarPatientAnonName: nil,
		VarStudyUID:        nil,
		VarStudyAnonUID:    nil,
		VarSeriesUID:       nil,
		VarSeriesAnonUID:   nil,
		VarUserID:          record.UserID,
		VarStoragePath:     &storagePath,
	}
	if record.Patient != nil {
		id := record.Patient.Identifier
		vars[VarPatientID] = &id
		vars[VarPatientAnonName] = record.Patient.AnonName
	}
	if record.Study != nil {
		uid := record.Study.UID
		vars[VarStudyUID] = &uid
		vars[VarStudyAnonUID] = record.Study.AnonUID
	}
	if record.Series != nil {
		uid := record.Series.UID
		vars[VarSeriesUID] = &uid
		vars[VarSeriesAnonUID] = record.Series.AnonUID
	}
	return vars
}

// FormatTemplate substitutes {placeholder} references in tmpl. When a
// referenced value is missing the whole result is nil; the miss is logged
// and the caller falls back silently.
func FormatTemplate(tmpl string, vars map[string]*string) *string {
	missing := ""
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := match[1 : len(match)-1]
		value, ok := vars[name]
		if !ok || value == nil {
			missing = name
			return match
		}
		return *value
	})
	if missing != "" {
		common.Logger.WithFields(logrus.Fields{
			"template":    tmpl,
			"placeholder": missing,
		}).Warn("template placeholder has no value, formatting skipped")
		return nil
	}
	return &out
}

// MatchFiles walks the record's working folder and resolves each input file
// spec of its type by glob pattern. The result maps spec names to matched
// paths relative to the working folder.
func MatchFiles(record *Record, storagePath, anonPrefix string) (map[string][]string, error) {
	if record.RecordType == nil {
		return nil, fmt.Errorf("record %d is missing its type: %w", record.ID, common.ErrValidation)
	}
	specs, err := record.RecordType.ParseInputFiles()
	if err != nil {
		return nil, err
	}
	if len(specs) == 0 {
		return map[string][]string{}, nil
	}

	folder, err := WorkingFolder(record, storagePath, anonPrefix)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(folder); err != nil {
		return map[string][]string{}, nil
	}

	matched := make(map[string][]string, len(specs))
	for _, spec := range specs {
		paths, err := filepath.Glob(filepath.Join(folder, spec.Pattern))
		if err != nil {
			return nil, fmt.Errorf("bad file pattern %q: %w", spec.Pattern, common.ErrValidation)
		}
		rel := make([]string, 0, len(paths))
		for _, p := range paths {
			r, err := filepath.Rel(folder, p)
			if err != nil {
				continue
			}
			rel = append(rel, r)
		}
		matched[spec.Name] = rel
	}
	return matched, nil
}
