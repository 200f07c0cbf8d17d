package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uintp(v uint) *uint { return &v }

func TestValidateUID(t *testing.T) {
	for _, uid := range []string{"1.2.840.10008.1.1", "1.2.3", "999.999"} {
		assert.NoError(t, ValidateUID(uid), uid)
	}
	for _, uid := range []string{"", "1.2", "1.2.3.abc", "1,2,3,4,5", "1.2.3.4.5 "} {
		assert.Error(t, ValidateUID(uid), uid)
	}
}

func TestValidateLevel(t *testing.T) {
	study := uintp(1)
	series := uintp(2)

	tests := []struct {
		name   string
		level  Level
		record Record
		ok     bool
	}{
		{"patient bare", LevelPatient, Record{}, true},
		{"patient with study", LevelPatient, Record{StudyID: study}, false},
		{"study ok", LevelStudy, Record{StudyID: study}, true},
		{"study missing study", LevelStudy, Record{}, false},
		{"study with series", LevelStudy, Record{StudyID: study, SeriesID: series}, false},
		{"series ok", LevelSeries, Record{StudyID: study, SeriesID: series}, true},
		{"series missing series", LevelSeries, Record{StudyID: study}, false},
		{"unknown level", Level("VOLUME"), Record{}, false},
	}
	for _, tt := range tests {
		err := tt.record.ValidateLevel(tt.level)
		if tt.ok {
			assert.NoError(t, err, tt.name)
		} else {
			assert.Error(t, err, tt.name)
		}
	}
}

func TestSeriesValidate(t *testing.T) {
	assert.NoError(t, (&Series{UID: "1.2.3.4.5", Number: 1}).Validate())
	assert.Error(t, (&Series{UID: "1.2.3.4.5", Number: 0}).Validate())
	assert.Error(t, (&Series{UID: "1.2.3.4.5", Number: 100000}).Validate())
	assert.Error(t, (&Series{UID: "bad", Number: 1}).Validate())
}

func TestPatientAnonID(t *testing.T) {
	p := Patient{AutoID: 42}
	assert.Equal(t, "CLN_42", p.AnonID("CLN"))
}

func TestUserHasRole(t *testing.T) {
	user := User{Roles: []Role{{Name: "radiologist"}}}
	assert.True(t, user.HasRole("radiologist"))
	assert.False(t, user.HasRole("admin"))

	super := User{IsSuperuser: true}
	assert.True(t, super.HasRole("anything"))
}

func TestAccessTokenExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&AccessToken{ExpiresAt: now.Add(time.Minute)}).Expired(now))
	assert.True(t, (&AccessToken{ExpiresAt: now.Add(-time.Minute)}).Expired(now))
	assert.True(t, (&AccessToken{ExpiresAt: now}).Expired(now))
}

func TestRecordDataMap(t *testing.T) {
	m, err := (&Record{}).DataMap()
	require.NoError(t, err)
	assert.Empty(t, m)

	m, err = (&Record{Data: []byte(`{"verdict": true, "score": 3}`)}).DataMap()
	require.NoError(t, err)
	assert.Equal(t, true, m["verdict"])
	assert.Equal(t, float64(3), m["score"])

	_, err = (&Record{Data: []byte(`{`)}).DataMap()
	assert.Error(t, err)
}

func TestParseFileSpecs(t *testing.T) {
	rt := RecordType{InputFiles: []byte(`[{"name": "volume", "pattern": "*.nii.gz"}]`)}
	specs, err := rt.ParseInputFiles()
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "volume", specs[0].Name)
	assert.Equal(t, "*.nii.gz", specs[0].Pattern)

	empty, err := (&RecordType{}).ParseOutputFiles()
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestValidStatus(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusInWork, StatusFinished, StatusFailed, StatusPaused} {
		assert.True(t, ValidStatus(s), string(s))
	}
	assert.False(t, ValidStatus(Status("done")))
}
