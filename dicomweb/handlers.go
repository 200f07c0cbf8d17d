package dicomweb

import (
	"context"
	"fmt"
	"net/http"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/dicomcache"
	"github.com/clarinet-dicom/clarinet/dimse"
)

const contentTypeDICOMJSON = "application/dicom+json"

// Finder is the C-FIND slice of the DICOM client. *dimse.Client
// satisfies it.
type Finder interface {
	FindStudies(ctx context.Context, q dimse.StudyQuery) ([]dimse.StudyResult, error)
	FindSeries(ctx context.Context, q dimse.SeriesQuery) ([]dimse.SeriesResult, error)
	FindImages(ctx context.Context, q dimse.ImageQuery) ([]dimse.ImageResult, error)
}

// Cache is the series-cache slice the proxy needs.
type Cache interface {
	Ensure(ctx context.Context, studyUID, seriesUID string) (*dicomcache.Entry, error)
	ReadInstanceFromDisk(studyUID, seriesUID, sopInstanceUID string) (*dicom.DataSet, error)
}

// Handler serves the DICOMweb endpoints.
type Handler struct {
	finder Finder
	cache  Cache
}

func NewHandler(finder Finder, cache Cache) *Handler {
	return &Handler{finder: finder, cache: cache}
}

// Register mounts the QIDO-RS and WADO-RS routes on a group, normally
// /dicom-web.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/studies", h.SearchStudies)
	g.GET("/studies/:study/series", h.SearchSeries)
	g.GET("/studies/:study/series/:series/instances", h.SearchInstances)
	g.GET("/studies/:study/metadata", h.StudyMetadata)
	g.GET("/studies/:study/series/:series/metadata", h.SeriesMetadata)
	g.GET("/studies/:study/series/:series/instances/:sop/frames/:frames", h.Frames)
}

// queryParam reads a QIDO parameter by its long keyword or its hex
// group-element form.
func queryParam(c echo.Context, keyword, hexTag string) string {
	if v := c.QueryParam(keyword); v != "" {
		return v
	}
	return c.QueryParam(hexTag)
}

// SearchStudies is QIDO-RS GET /studies.
func (h *Handler) SearchStudies(c echo.Context) error {
	q := dimse.StudyQuery{
		PatientID:         queryParam(c, "PatientID", "00100020"),
		PatientName:       queryParam(c, "PatientName", "00100010"),
		StudyInstanceUID:  queryParam(c, "StudyInstanceUID", "0020000D"),
		AccessionNumber:   queryParam(c, "AccessionNumber", "00080050"),
		StudyDate:         queryParam(c, "StudyDate", "00080020"),
		StudyDescription:  queryParam(c, "StudyDescription", "00081030"),
		ModalitiesInStudy: queryParam(c, "ModalitiesInStudy", "00080061"),
	}
	results, err := h.finder.FindStudies(c.Request().Context(), q)
	if err != nil {
		return err
	}

	payload := make([]Object, 0, len(results))
	for _, r := range results {
		obj := Object{}
		obj.setString(dicomtag.PatientID, r.PatientID)
		obj.setString(dicomtag.PatientName, r.PatientName)
		obj.setString(dicomtag.StudyInstanceUID, r.StudyInstanceUID)
		obj.setString(dicomtag.AccessionNumber, r.AccessionNumber)
		obj.setString(dicomtag.StudyDate, r.StudyDate)
		obj.setString(dicomtag.StudyDescription, r.StudyDescription)
		obj.setString(dicomtag.ModalitiesInStudy, r.ModalitiesInStudy)
		obj.setInt(dicomtag.NumberOfStudyRelatedSeries, r.NumberOfStudyRelatedSeries)
		obj.setInt(dicomtag.NumberOfStudyRelatedInstances, r.NumberOfStudyRelatedInstances)
		payload = append(payload, obj)
	}
	return c.JSON(http.StatusOK, payload)
}

// SearchSeries is QIDO-RS GET /studies/{study}/series.
func (h *Handler) SearchSeries(c echo.Context) error {
	q := dimse.SeriesQuery{
		StudyInstanceUID:  c.Param("study"),
		SeriesInstanceUID: queryParam(c, "SeriesInstanceUID", "0020000E"),
		Modality:          queryParam(c, "Modality", "00080060"),
		SeriesNumber:      queryParam(c, "SeriesNumber", "00200011"),
		SeriesDescription: queryParam(c, "SeriesDescription", "0008103E"),
	}
	results, err := h.finder.FindSeries(c.Request().Context(), q)
	if err != nil {
		return err
	}

	payload := make([]Object, 0, len(results))
	for _, r := range results {
		obj := Object{}
		obj.setString(dicomtag.StudyInstanceUID, r.StudyInstanceUID)
		obj.setString(dicomtag.SeriesInstanceUID, r.SeriesInstanceUID)
		obj.setString(dicomtag.Modality, r.Modality)
		obj.setInt(dicomtag.SeriesNumber, r.SeriesNumber)
		obj.setString(dicomtag.SeriesDescription, r.SeriesDescription)
		obj.setInt(dicomtag.NumberOfSeriesRelatedInstances, r.NumberOfSeriesRelatedInstances)
		payload = append(payload, obj)
	}
	return c.JSON(http.StatusOK, payload)
}

// SearchInstances is QIDO-RS GET /studies/{study}/series/{series}/instances.
func (h *Handler) SearchInstances(c echo.Context) error {
	q := dimse.ImageQuery{
		StudyInstanceUID:  c.Param("study"),
		SeriesInstanceUID: c.Param("series"),
		SOPInstanceUID:    queryParam(c, "SOPInstanceUID", "00080018"),
		InstanceNumber:    queryParam(c, "InstanceNumber", "00200013"),
	}
	results, err := h.finder.FindImages(c.Request().Context(), q)
	if err != nil {
		return err
	}

	payload := make([]Object, 0, len(results))
	for _, r := range results {
		obj := Object{}
		obj.setString(dicomtag.StudyInstanceUID, r.StudyInstanceUID)
		obj.setString(dicomtag.SeriesInstanceUID, r.SeriesInstanceUID)
		obj.setString(dicomtag.SOPInstanceUID, r.SOPInstanceUID)
		obj.setString(dicomtag.SOPClassUID, r.SOPClassUID)
		obj.setInt(dicomtag.InstanceNumber, r.InstanceNumber)
		payload = append(payload, obj)
	}
	return c.JSON(http.StatusOK, payload)
}

// frameBulkURI builds the absolute frames URL injected as BulkDataURI.
func frameBulkURI(c echo.Context, studyUID, seriesUID, sopUID string) string {
	return fmt.Sprintf("%s://%s/dicom-web/studies/%s/series/%s/instances/%s/frames/1",
		c.Scheme(), c.Request().Host, studyUID, seriesUID, sopUID)
}

// seriesMetadata converts every cached instance of a series to DICOM
// JSON with the frames BulkDataURI injected for PixelData.
func (h *Handler) seriesMetadata(c echo.Context, studyUID, seriesUID string) ([]Object, error) {
	entry, err := h.cache.Ensure(c.Request().Context(), studyUID, seriesUID)
	if err != nil {
		return nil, err
	}
	payload := make([]Object, 0, len(entry.Instances))
	for sop, inst := range entry.Instances {
		payload = append(payload, DatasetToJSON(inst.DataSet, frameBulkURI(c, studyUID, seriesUID, sop)))
	}
	return payload, nil
}

// SeriesMetadata is WADO-RS GET /studies/{study}/series/{series}/metadata.
func (h *Handler) SeriesMetadata(c echo.Context) error {
	payload, err := h.seriesMetadata(c, c.Param("study"), c.Param("series"))
	if err != nil {
		return err
	}
	c.Response().Header().Set(echo.HeaderContentType, contentTypeDICOMJSON)
	return c.JSON(http.StatusOK, payload)
}

// StudyMetadata is WADO-RS GET /studies/{study}/metadata: series are
// discovered with C-FIND, then fetched in parallel and flattened.
func (h *Handler) StudyMetadata(c echo.Context) error {
	studyUID := c.Param("study")
	series, err := h.finder.FindSeries(c.Request().Context(), dimse.SeriesQuery{StudyInstanceUID: studyUID})
	if err != nil {
		return err
	}

	perSeries := make([][]Object, len(series))
	group, _ := errgroup.WithContext(c.Request().Context())
	for i, s := range series {
		i, seriesUID := i, s.SeriesInstanceUID
		group.Go(func() error {
			objects, err := h.seriesMetadata(c, studyUID, seriesUID)
			if err != nil {
				return err
			}
			perSeries[i] = objects
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	var payload []Object
	for _, objects := range perSeries {
		payload = append(payload, objects...)
	}
	if payload == nil {
		payload = []Object{}
	}
	c.Response().Header().Set(echo.HeaderContentType, contentTypeDICOMJSON)
	return c.JSON(http.StatusOK, payload)
}

// instanceDataset resolves an instance dataset for frame extraction,
// falling back to disk when the cached dataset carries no PixelData.
func (h *Handler) instanceDataset(c echo.Context, studyUID, seriesUID, sopUID string) (*dicom.DataSet, error) {
	entry, err := h.cache.Ensure(c.Request().Context(), studyUID, seriesUID)
	if err != nil {
		return nil, err
	}
	inst, ok := entry.Instances[sopUID]
	if !ok {
		return nil, fmt.Errorf("instance %s not in series %s: %w", sopUID, seriesUID, common.ErrNotFound)
	}
	if _, err := inst.DataSet.FindElementByTag(dicomtag.PixelData); err == nil {
		return inst.DataSet, nil
	}
	return h.cache.ReadInstanceFromDisk(studyUID, seriesUID, sopUID)
}
