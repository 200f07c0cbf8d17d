package dimse

import (
	"context"
	"fmt"

	"github.com/giesekow/go-netdicom"
	"github.com/giesekow/go-netdicom/sopclass"
	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/sirupsen/logrus"

	"github.com/clarinet-dicom/clarinet/common"
)

// StudyQuery filters a study-level C-FIND. Empty fields are sent as
// return keys so the peer includes them in its responses without
// filtering on them.
type StudyQuery struct {
	PatientID         string
	PatientName       string
	StudyInstanceUID  string
	AccessionNumber   string
	StudyDate         string
	StudyDescription  string
	ModalitiesInStudy string
}

// StudyResult is one study-level C-FIND response.
type StudyResult struct {
	PatientID                     string
	PatientName                   string
	StudyInstanceUID              string
	AccessionNumber               string
	StudyDate                     string
	StudyDescription              string
	ModalitiesInStudy             string
	NumberOfStudyRelatedSeries    string
	NumberOfStudyRelatedInstances string
}

// SeriesQuery filters a series-level C-FIND within one study.
type SeriesQuery struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	Modality          string
	SeriesNumber      string
	SeriesDescription string
}

// SeriesResult is one series-level C-FIND response.
type SeriesResult struct {
	StudyInstanceUID               string
	SeriesInstanceUID              string
	Modality                       string
	SeriesNumber                   string
	SeriesDescription              string
	NumberOfSeriesRelatedInstances string
}

// ImageQuery filters an image-level C-FIND within one series.
type ImageQuery struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	InstanceNumber    string
}

// ImageResult is one image-level C-FIND response.
type ImageResult struct {
	StudyInstanceUID  string
	SeriesInstanceUID string
	SOPInstanceUID    string
	SOPClassUID       string
	InstanceNumber    string
}

func studyIdentifier(q StudyQuery) []*dicom.Element {
	return []*dicom.Element{
		dicom.MustNewElement(dicomtag.PatientID, q.PatientID),
		dicom.MustNewElement(dicomtag.PatientName, q.PatientName),
		dicom.MustNewElement(dicomtag.StudyInstanceUID, q.StudyInstanceUID),
		dicom.MustNewElement(dicomtag.AccessionNumber, q.AccessionNumber),
		dicom.MustNewElement(dicomtag.StudyDate, q.StudyDate),
		dicom.MustNewElement(dicomtag.StudyDescription, q.StudyDescription),
		dicom.MustNewElement(dicomtag.ModalitiesInStudy, q.ModalitiesInStudy),
		dicom.MustNewElement(dicomtag.NumberOfStudyRelatedSeries, ""),
		dicom.MustNewElement(dicomtag.NumberOfStudyRelatedInstances, ""),
	}
}

func seriesIdentifier(q SeriesQuery) []*dicom.Element {
	return []*dicom.Element{
		dicom.MustNewElement(dicomtag.StudyInstanceUID, q.StudyInstanceUID),
		dicom.MustNewElement(dicomtag.SeriesInstanceUID, q.SeriesInstanceUID),
		dicom.MustNewElement(dicomtag.Modality, q.Modality),
		dicom.MustNewElement(dicomtag.SeriesNumber, q.SeriesNumber),
		dicom.MustNewElement(dicomtag.SeriesDescription, q.SeriesDescription),
		dicom.MustNewElement(dicomtag.NumberOfSeriesRelatedInstances, ""),
	}
}

func imageIdentifier(q ImageQuery) []*dicom.Element {
	// go-netdicom has no image QR level constant; an explicit
	// QueryRetrieveLevel element overrides the level string derived from
	// the QRLevel argument, which then only selects the Study-Root model.
	return []*dicom.Element{
		dicom.MustNewElement(dicomtag.QueryRetrieveLevel, "IMAGE"),
		dicom.MustNewElement(dicomtag.StudyInstanceUID, q.StudyInstanceUID),
		dicom.MustNewElement(dicomtag.SeriesInstanceUID, q.SeriesInstanceUID),
		dicom.MustNewElement(dicomtag.SOPInstanceUID, q.SOPInstanceUID),
		dicom.MustNewElement(dicomtag.SOPClassUID, ""),
		dicom.MustNewElement(dicomtag.InstanceNumber, q.InstanceNumber),
	}
}

// elementString extracts the first string value of tag from a response
// dataset, empty when the element is absent or not a string.
func elementString(elems []*dicom.Element, tag dicomtag.Tag) string {
	for _, elem := range elems {
		if elem.Tag == tag {
			if s, err := elem.GetString(); err == nil {
				return s
			}
			return ""
		}
	}
	return ""
}

// find runs one C-FIND dialogue and hands every pending-status dataset to
// collect. A response error is logged as a warning and ends the
// iteration; data seen so far is kept.
func (c *Client) find(ctx context.Context, level netdicom.QRLevel, filter []*dicom.Element, collect func(elems []*dicom.Element)) error {
	run := func() error {
		return c.dialogue(ctx, c.cfg.FindTimeout, sopclass.QRFindClasses, func(su *netdicom.ServiceUser) error {
			for result := range su.CFind(level, filter) {
				if result.Err != nil {
					common.Logger.WithFields(logrus.Fields{
						"peer":  c.cfg.Addr(),
						"error": result.Err,
					}).Warn("c-find response error, returning partial results")
					return nil
				}
				if len(result.Elements) == 0 {
					continue
				}
				collect(result.Elements)
			}
			return nil
		})
	}
	return c.withRetry(ctx, c.cfg.FindRetries, run)
}

// FindStudies queries the peer at study level.
func (c *Client) FindStudies(ctx context.Context, q StudyQuery) ([]StudyResult, error) {
	var results []StudyResult
	err := c.find(ctx, netdicom.QRLevelStudy, studyIdentifier(q), func(elems []*dicom.Element) {
		results = append(results, StudyResult{
			PatientID:                     elementString(elems, dicomtag.PatientID),
			PatientName:                   elementString(elems, dicomtag.PatientName),
			StudyInstanceUID:              elementString(elems, dicomtag.StudyInstanceUID),
			AccessionNumber:               elementString(elems, dicomtag.AccessionNumber),
			StudyDate:                     elementString(elems, dicomtag.StudyDate),
			StudyDescription:              elementString(elems, dicomtag.StudyDescription),
			ModalitiesInStudy:             elementString(elems, dicomtag.ModalitiesInStudy),
			NumberOfStudyRelatedSeries:    elementString(elems, dicomtag.NumberOfStudyRelatedSeries),
			NumberOfStudyRelatedInstances: elementString(elems, dicomtag.NumberOfStudyRelatedInstances),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find studies: %w", err)
	}
	return results, nil
}

// FindSeries queries the peer at series level.
func (c *Client) FindSeries(ctx context.Context, q SeriesQuery) ([]SeriesResult, error) {
	var results []SeriesResult
	err := c.find(ctx, netdicom.QRLevelSeries, seriesIdentifier(q), func(elems []*dicom.Element) {
		results = append(results, SeriesResult{
			StudyInstanceUID:               elementString(elems, dicomtag.StudyInstanceUID),
			SeriesInstanceUID:              elementString(elems, dicomtag.SeriesInstanceUID),
			Modality:                       elementString(elems, dicomtag.Modality),
			SeriesNumber:                   elementString(elems, dicomtag.SeriesNumber),
			SeriesDescription:              elementString(elems, dicomtag.SeriesDescription),
			NumberOfSeriesRelatedInstances: elementString(elems, dicomtag.NumberOfSeriesRelatedInstances),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find series: %w", err)
	}
	return results, nil
}

// FindImages queries the peer at image level.
func (c *Client) FindImages(ctx context.Context, q ImageQuery) ([]ImageResult, error) {
	var results []ImageResult
	err := c.find(ctx, netdicom.QRLevelSeries, imageIdentifier(q), func(elems []*dicom.Element) {
		results = append(results, ImageResult{
			StudyInstanceUID:  elementString(elems, dicomtag.StudyInstanceUID),
			SeriesInstanceUID: elementString(elems, dicomtag.SeriesInstanceUID),
			SOPInstanceUID:    elementString(elems, dicomtag.SOPInstanceUID),
			SOPClassUID:       elementString(elems, dicomtag.SOPClassUID),
			InstanceNumber:    elementString(elems, dicomtag.InstanceNumber),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find images: %w", err)
	}
	return results, nil
}
