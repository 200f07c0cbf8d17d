package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/clarinet-dicom/clarinet/auth"
	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/store"
)

// ListRecords searches records by the query-string criteria.
func (h *Handler) ListRecords(c echo.Context) error {
	criteria, err := parseCriteria(c.QueryParams())
	if err != nil {
		return err
	}
	records, err := h.store.FindRecords(c.Request().Context(), criteria)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, records)
}

// parseCriteria maps query parameters to a record search. Unknown
// parameters are ignored.
func parseCriteria(params url.Values) (store.Criteria, error) {
	criteria := store.Criteria{
		PatientID:     optParam(params, "patient_id"),
		AnonPatientID: optParam(params, "anon_patient_id"),
		StudyUID:      optParam(params, "study_uid"),
		AnonStudyUID:  optParam(params, "anon_study_uid"),
		SeriesUID:     optParam(params, "series_uid"),
		AnonSeriesUID: optParam(params, "anon_series_uid"),
		TypeName:      optParam(params, "record_type"),
	}

	if raw := params.Get("status"); raw != "" {
		status := store.Status(raw)
		if !store.ValidStatus(status) {
			return store.Criteria{}, fmt.Errorf("unknown status %q: %w", raw, common.ErrValidation)
		}
		criteria.Status = &status
	}

	if raw := params.Get("wo_user"); raw != "" {
		without, err := strconv.ParseBool(raw)
		if err != nil {
			return store.Criteria{}, fmt.Errorf("wo_user must be a boolean, got %q: %w", raw, common.ErrValidation)
		}
		criteria.WithoutUser = &without
	}

	if raw := params.Get("random_one"); raw != "" {
		random, err := strconv.ParseBool(raw)
		if err != nil {
			return store.Criteria{}, fmt.Errorf("random_one must be a boolean, got %q: %w", raw, common.ErrValidation)
		}
		criteria.RandomOne = random
	}

	for _, raw := range params["data_filter"] {
		filter, err := parseDataFilter(raw)
		if err != nil {
			return store.Criteria{}, err
		}
		criteria.DataFilters = append(criteria.DataFilters, filter)
	}

	return criteria, nil
}

func optParam(params url.Values, name string) *string {
	if !params.Has(name) {
		return nil
	}
	value := params.Get(name)
	return &value
}

// parseDataFilter decodes one "field:op:value" payload filter. The value
// type is inferred: booleans and numbers compare typed, everything else
// as a string.
func parseDataFilter(raw string) (store.JSONFilter, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] == "" {
		return store.JSONFilter{}, fmt.Errorf("data_filter must be field:op:value, got %q: %w", raw, common.ErrValidation)
	}

	op := store.JSONOp(parts[1])
	switch op {
	case store.JSONEq, store.JSONLt, store.JSONGt, store.JSONContains:
	default:
		return store.JSONFilter{}, fmt.Errorf("unknown data_filter op %q: %w", parts[1], common.ErrValidation)
	}

	return store.JSONFilter{Field: parts[0], Op: op, Value: inferValue(parts[2])}, nil
}

func inferValue(raw string) interface{} {
	if b, err := strconv.ParseBool(raw); err == nil && (raw == "true" || raw == "false") {
		return b
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return int(n)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return f
	}
	return raw
}

type createRecordRequest struct {
	RecordType string          `json:"record_type"`
	PatientID  string          `json:"patient_id"`
	StudyUID   *string         `json:"study_uid,omitempty"`
	SeriesUID  *string         `json:"series_uid,omitempty"`
	UserID     *string         `json:"user_id,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// CreateRecord creates a record of the named type. The caller must carry
// the type's role when one is configured.
func (h *Handler) CreateRecord(c echo.Context) error {
	var req createRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed record request")
	}
	if req.RecordType == "" || req.PatientID == "" {
		return fmt.Errorf("record_type and patient_id are required: %w", common.ErrValidation)
	}

	ctx := c.Request().Context()
	rt, err := h.store.GetRecordType(ctx, req.RecordType)
	if err != nil {
		return err
	}
	if rt.Role != nil {
		user := auth.UserFromContext(c)
		if user == nil || !user.HasRole(*rt.Role) {
			return fmt.Errorf("record type %q requires role %q: %w", rt.Name, *rt.Role, common.ErrForbidden)
		}
	}

	patient, err := h.store.GetPatientByIdentifier(ctx, req.PatientID)
	if err != nil {
		return err
	}

	record := &store.Record{
		PatientID:    patient.ID,
		RecordTypeID: rt.ID,
		UserID:       req.UserID,
		Data:         req.Data,
	}
	if req.StudyUID != nil {
		study, err := h.store.GetStudyByUID(ctx, *req.StudyUID)
		if err != nil {
			return err
		}
		record.StudyID = &study.ID
	}
	if req.SeriesUID != nil {
		series, err := h.store.GetSeriesByUID(ctx, *req.SeriesUID)
		if err != nil {
			return err
		}
		record.SeriesID = &series.ID
	}

	if err := h.store.CreateRecord(ctx, record); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, record)
}

// GetRecord fetches one record with its relations.
func (h *Handler) GetRecord(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	record, err := h.store.GetRecord(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

type updateRecordRequest struct {
	UserID *string       `json:"user_id,omitempty"`
	Status *store.Status `json:"status,omitempty"`
}

// UpdateRecord assigns a user and/or transitions the record status. A
// user assignment implies the transition to inwork, so when both fields
// are present the explicit status wins.
func (h *Handler) UpdateRecord(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req updateRecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed record update")
	}
	if req.UserID == nil && req.Status == nil {
		return fmt.Errorf("nothing to update: %w", common.ErrValidation)
	}

	ctx := c.Request().Context()
	var record *store.Record
	if req.UserID != nil {
		if record, err = h.store.AssignUser(ctx, id, *req.UserID); err != nil {
			return err
		}
	}
	if req.Status != nil {
		if record, _, err = h.store.UpdateStatus(ctx, id, *req.Status); err != nil {
			return err
		}
	}
	return c.JSON(http.StatusOK, record)
}

// SubmitRecordData validates the payload against the type's schema and
// stores it.
func (h *Handler) SubmitRecordData(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", common.ErrValidation)
	}
	if !json.Valid(body) {
		return fmt.Errorf("payload is not valid JSON: %w", common.ErrValidation)
	}

	record, err := h.store.SubmitData(c.Request().Context(), id, body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, record)
}

// AvailableTypes returns, per record type the caller's roles permit, the
// number of pending records.
func (h *Handler) AvailableTypes(c echo.Context) error {
	user := auth.UserFromContext(c)
	counts, err := h.store.AvailableTypeCounts(c.Request().Context(), user.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, counts)
}

func recordID(c echo.Context) (uint, error) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed record id %q: %w", c.Param("id"), common.ErrValidation)
	}
	return uint(id), nil
}
