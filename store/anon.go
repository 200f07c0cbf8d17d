package store

import (
	"context"
	"fmt"
)

// AnonNameFor picks the anonymous display name for a patient from the
// configured pool. The auto id keys the pool and suffixes the name so
// two patients never share one. An empty pool yields nil.
func AnonNameFor(pool []string, autoID int64) *string {
	if len(pool) == 0 {
		return nil
	}
	name := fmt.Sprintf("%s %d", pool[autoID%int64(len(pool))], autoID)
	return &name
}

// EnsureAnonName assigns the patient's anonymous display name when none
// is set yet. Already-named patients keep their name.
func (s *Store) EnsureAnonName(ctx context.Context, patientID uint, pool []string) (*Patient, error) {
	patient, err := s.GetPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if patient.AnonName != nil || len(pool) == 0 {
		return patient, nil
	}

	name := AnonNameFor(pool, patient.AutoID)
	err = s.db.WithContext(ctx).Model(patient).Update("anon_name", name).Error
	if err != nil {
		return nil, translate(err, fmt.Sprintf("patient %d", patientID))
	}
	patient.AnonName = name
	return patient, nil
}
