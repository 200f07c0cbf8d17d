package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/store"
)

// recordTypePayload is the wire form of a record type. The JSON document
// fields arrive as strings and are parsed server-side so a malformed
// schema fails the request instead of poisoning the stored type.
type recordTypePayload struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Label       *string `json:"label,omitempty"`
	Level       *string `json:"level,omitempty"`
	Role        *string `json:"role,omitempty"`
	MinUsers    *int    `json:"min_users,omitempty"`
	MaxUsers    *int    `json:"max_users,omitempty"`

	DataSchema                *string `json:"data_schema,omitempty"`
	InputFiles                *string `json:"input_files,omitempty"`
	OutputFiles               *string `json:"output_files,omitempty"`
	SlicerScript              *string `json:"slicer_script,omitempty"`
	SlicerScriptArgs          *string `json:"slicer_script_args,omitempty"`
	SlicerResultValidatorArgs *string `json:"slicer_result_validator_args,omitempty"`
}

// apply copies the present payload fields onto the record type. JSON
// document fields are validated before they are stored.
func (p *recordTypePayload) apply(rt *store.RecordType) error {
	if p.Name != nil {
		rt.Name = *p.Name
	}
	if p.Description != nil {
		rt.Description = *p.Description
	}
	if p.Label != nil {
		rt.Label = *p.Label
	}
	if p.Level != nil {
		level := store.Level(*p.Level)
		switch level {
		case store.LevelPatient, store.LevelStudy, store.LevelSeries:
			rt.Level = level
		default:
			return fmt.Errorf("unknown level %q: %w", *p.Level, common.ErrValidation)
		}
	}
	if p.Role != nil {
		rt.Role = p.Role
	}
	if p.MinUsers != nil {
		rt.MinUsers = p.MinUsers
	}
	if p.MaxUsers != nil {
		rt.MaxUsers = p.MaxUsers
	}
	if p.SlicerScript != nil {
		rt.SlicerScript = p.SlicerScript
	}

	if p.DataSchema != nil {
		raw, err := parseJSONField("data_schema", *p.DataSchema)
		if err != nil {
			return err
		}
		if raw != nil {
			if err := store.ValidateSchemaDocument(raw); err != nil {
				return err
			}
		}
		rt.DataSchema = raw
	}
	if p.InputFiles != nil {
		raw, err := parseJSONField("input_files", *p.InputFiles)
		if err != nil {
			return err
		}
		rt.InputFiles = raw
	}
	if p.OutputFiles != nil {
		raw, err := parseJSONField("output_files", *p.OutputFiles)
		if err != nil {
			return err
		}
		rt.OutputFiles = raw
	}
	if p.SlicerScriptArgs != nil {
		raw, err := parseJSONField("slicer_script_args", *p.SlicerScriptArgs)
		if err != nil {
			return err
		}
		rt.SlicerScriptArgs = raw
	}
	if p.SlicerResultValidatorArgs != nil {
		raw, err := parseJSONField("slicer_result_validator_args", *p.SlicerResultValidatorArgs)
		if err != nil {
			return err
		}
		rt.SlicerResultValidatorArgs = raw
	}
	return nil
}

// parseJSONField parses one stringified JSON document field. An empty
// string clears the field.
func parseJSONField(name, value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	if !json.Valid([]byte(value)) {
		return nil, fmt.Errorf("%s is not valid JSON: %w", name, common.ErrValidation)
	}
	return json.RawMessage(value), nil
}

// ListRecordTypes returns all record types.
func (h *Handler) ListRecordTypes(c echo.Context) error {
	types, err := h.store.ListRecordTypes(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, types)
}

// GetRecordType fetches one record type by name.
func (h *Handler) GetRecordType(c echo.Context) error {
	rt, err := h.store.GetRecordType(c.Request().Context(), c.Param("name"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rt)
}

// CreateRecordType creates a record type. Name and level are required.
func (h *Handler) CreateRecordType(c echo.Context) error {
	var payload recordTypePayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed record type")
	}
	if payload.Name == nil || *payload.Name == "" {
		return fmt.Errorf("record type name is required: %w", common.ErrValidation)
	}
	if payload.Level == nil {
		return fmt.Errorf("record type level is required: %w", common.ErrValidation)
	}

	var rt store.RecordType
	if err := payload.apply(&rt); err != nil {
		return err
	}
	if err := h.store.CreateRecordType(c.Request().Context(), &rt); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rt)
}

// UpdateRecordType patches the named record type with the present fields.
func (h *Handler) UpdateRecordType(c echo.Context) error {
	var payload recordTypePayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed record type")
	}

	ctx := c.Request().Context()
	rt, err := h.store.GetRecordType(ctx, c.Param("name"))
	if err != nil {
		return err
	}
	if err := payload.apply(rt); err != nil {
		return err
	}
	if err := h.store.UpdateRecordType(ctx, rt); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rt)
}

// DeleteRecordType removes the named record type.
func (h *Handler) DeleteRecordType(c echo.Context) error {
	if err := h.store.DeleteRecordType(c.Request().Context(), c.Param("name")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
