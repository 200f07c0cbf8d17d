package dimse

import (
	"testing"

	"github.com/giesekow/go-netdicom"
	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
)

func findTag(t *testing.T, elems []*dicom.Element, tag dicomtag.Tag) *dicom.Element {
	t.Helper()
	for _, elem := range elems {
		if elem.Tag == tag {
			return elem
		}
	}
	t.Fatalf("identifier is missing tag %v", tag)
	return nil
}

func TestStudyIdentifierCarriesFiltersAndReturnKeys(t *testing.T) {
	elems := studyIdentifier(StudyQuery{
		PatientID:        "P-1",
		StudyInstanceUID: "1.2.3.4.5",
	})

	if got, _ := findTag(t, elems, dicomtag.PatientID).GetString(); got != "P-1" {
		t.Errorf("PatientID = %q, want P-1", got)
	}
	if got, _ := findTag(t, elems, dicomtag.StudyInstanceUID).GetString(); got != "1.2.3.4.5" {
		t.Errorf("StudyInstanceUID = %q, want 1.2.3.4.5", got)
	}
	// Unset fields stay as return keys.
	if got, _ := findTag(t, elems, dicomtag.StudyDescription).GetString(); got != "" {
		t.Errorf("StudyDescription = %q, want empty return key", got)
	}
	findTag(t, elems, dicomtag.NumberOfStudyRelatedSeries)
	findTag(t, elems, dicomtag.NumberOfStudyRelatedInstances)
}

func TestSeriesIdentifierScopedToStudy(t *testing.T) {
	elems := seriesIdentifier(SeriesQuery{StudyInstanceUID: "1.2.3"})
	if got, _ := findTag(t, elems, dicomtag.StudyInstanceUID).GetString(); got != "1.2.3" {
		t.Errorf("StudyInstanceUID = %q, want 1.2.3", got)
	}
	findTag(t, elems, dicomtag.SeriesInstanceUID)
	findTag(t, elems, dicomtag.Modality)
}

func TestElementString(t *testing.T) {
	elems := []*dicom.Element{
		dicom.MustNewElement(dicomtag.PatientID, "P-7"),
	}
	if got := elementString(elems, dicomtag.PatientID); got != "P-7" {
		t.Errorf("got %q, want P-7", got)
	}
	if got := elementString(elems, dicomtag.StudyInstanceUID); got != "" {
		t.Errorf("absent tag = %q, want empty", got)
	}
}

func TestRetrieveFilterAndLevel(t *testing.T) {
	studyOnly := retrieveFilter("1.2.3", "")
	if len(studyOnly) != 1 {
		t.Fatalf("study filter has %d elements, want 1", len(studyOnly))
	}
	if retrieveLevel("") != netdicom.CFindStudyQRLevel {
		t.Error("study retrieve should use the study level")
	}

	withSeries := retrieveFilter("1.2.3", "4.5.6")
	if len(withSeries) != 2 {
		t.Fatalf("series filter has %d elements, want 2", len(withSeries))
	}
	if retrieveLevel("4.5.6") != netdicom.CFindSeriesQRLevel {
		t.Error("series retrieve should use the series level")
	}
}

func TestGetServicesBounded(t *testing.T) {
	services := getServices()
	if len(services) > maxStorageContexts+8 {
		t.Fatalf("too many presentation contexts: %d", len(services))
	}
}
