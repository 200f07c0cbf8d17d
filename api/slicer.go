package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/store"
)

type slicerResponse struct {
	Output string `json:"output"`
}

// RunSlicerScript ships the record type's Slicer script to the caller's
// Slicer instance. The endpoint is derived from the request address and
// the configured Slicer port; script arguments are templated from the
// record's hierarchy.
func (h *Handler) RunSlicerScript(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	record, err := h.store.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if record.RecordType == nil || record.RecordType.SlicerScript == nil {
		return fmt.Errorf("record type has no slicer script: %w", common.ErrNotFound)
	}

	args, err := slicerArgs(record, record.RecordType.SlicerScriptArgs,
		h.settings.StoragePath, h.settings.Anon.IDPrefix)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("http://%s:%d", c.RealIP(), h.settings.Slicer.Port)
	output, err := h.slicer.Execute(ctx, endpoint, *record.RecordType.SlicerScript, args)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, slicerResponse{Output: output})
}

// slicerArgs resolves the type's argument templates against the record.
// String arguments may reference {placeholder} template variables; an
// argument whose template cannot be resolved is dropped.
func slicerArgs(record *store.Record, raw json.RawMessage, storagePath, anonPrefix string) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var templates map[string]interface{}
	if err := json.Unmarshal(raw, &templates); err != nil {
		return nil, fmt.Errorf("malformed slicer script args: %w", common.ErrValidation)
	}

	vars := store.TemplateVars(record, storagePath, anonPrefix)
	args := make(map[string]interface{}, len(templates))
	for name, value := range templates {
		tmpl, ok := value.(string)
		if !ok {
			args[name] = value
			continue
		}
		if formatted := store.FormatTemplate(tmpl, vars); formatted != nil {
			args[name] = *formatted
		}
	}
	return args, nil
}
