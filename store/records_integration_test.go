//go:build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/config"
)

// openIntegrationStore connects to the postgres instance named by
// CLARINET_TEST_DATABASE_URL and skips the test when none is configured.
func openIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("CLARINET_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("CLARINET_TEST_DATABASE_URL not set, skipping postgres integration test")
	}
	s, err := Open(config.DatabaseConfig{URL: dsn, MaxOpenConns: 20, MaxIdleConns: 5})
	require.NoError(t, err)
	require.NoError(t, s.Migrate())
	return s
}

// TestCreateRecord_Integration_MaxUsersUnderContention creates records of
// a max_users=1 type from many goroutines at once. The count and insert
// run in one transaction holding a lock on the type row, so exactly one
// create may succeed; the rest must fail the concurrency bound.
func TestCreateRecord_Integration_MaxUsersUnderContention(t *testing.T) {
	s := openIntegrationStore(t)
	ctx := context.Background()
	run := time.Now().UnixNano()

	patient := &Patient{Identifier: fmt.Sprintf("contention-%d", run)}
	require.NoError(t, s.CreatePatient(ctx, patient))

	maxUsers := 1
	rt := &RecordType{
		Name:     fmt.Sprintf("contention-type-%d", run),
		Level:    LevelPatient,
		MaxUsers: &maxUsers,
	}
	require.NoError(t, s.CreateRecordType(ctx, rt))

	const attempts = 8
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.CreateRecord(ctx, &Record{
				PatientID:    patient.ID,
				RecordTypeID: rt.ID,
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		require.True(t, errors.Is(err, common.ErrConflict), "unexpected error: %v", err)
	}
	require.Equal(t, 1, created, "max_users=1 admitted %d records", created)

	var count int64
	require.NoError(t, s.db.Model(&Record{}).Where("record_type_id = ?", rt.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}
