package dicomweb

import (
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-dicom/dicomtag"
	"github.com/labstack/echo/v4"

	"github.com/clarinet-dicom/clarinet/common"
)

// parseFrameList parses the comma-separated 1-based frame numbers of the
// WADO-RS frames path segment.
func parseFrameList(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("empty frame list")
	}
	parts := strings.Split(raw, ",")
	numbers := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 1 {
			return nil, fmt.Errorf("bad frame number %q", part)
		}
		numbers = append(numbers, n)
	}
	return numbers, nil
}

// pixelBytes returns the raw PixelData payload of a native transfer
// syntax dataset. Encapsulated PixelData cannot be split into equal
// frames and is rejected.
func pixelBytes(ds *dicom.DataSet) ([]byte, error) {
	elem, err := ds.FindElementByTag(dicomtag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("instance has no pixel data: %w", common.ErrNotFound)
	}
	if elem.UndefinedLength {
		return nil, fmt.Errorf("encapsulated pixel data is not supported for frame access: %w", common.ErrValidation)
	}
	if len(elem.Value) == 0 {
		return nil, fmt.Errorf("instance has empty pixel data: %w", common.ErrNotFound)
	}
	data, ok := elem.Value[0].([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel data representation: %w", common.ErrValidation)
	}
	return data, nil
}

// numberOfFrames reads the NumberOfFrames attribute, defaulting to 1.
func numberOfFrames(ds *dicom.DataSet) int {
	elem, err := ds.FindElementByTag(dicomtag.NumberOfFrames)
	if err != nil {
		return 1
	}
	s, err := elem.GetString()
	if err != nil {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// extractFrames slices the requested 1-based frames out of a dataset.
// Single-frame instances return the whole PixelData once per requested
// number; multi-frame instances are split into NumberOfFrames equal
// chunks.
func extractFrames(ds *dicom.DataSet, numbers []int) ([][]byte, error) {
	pixels, err := pixelBytes(ds)
	if err != nil {
		return nil, err
	}
	total := numberOfFrames(ds)

	frames := make([][]byte, 0, len(numbers))
	if total <= 1 {
		for range numbers {
			frames = append(frames, pixels)
		}
		return frames, nil
	}

	if len(pixels)%total != 0 {
		return nil, fmt.Errorf("pixel data length %d does not divide into %d frames: %w",
			len(pixels), total, common.ErrValidation)
	}
	frameSize := len(pixels) / total
	for _, n := range numbers {
		if n > total {
			return nil, fmt.Errorf("frame %d out of range, instance has %d: %w", n, total, common.ErrNotFound)
		}
		frames = append(frames, pixels[(n-1)*frameSize:n*frameSize])
	}
	return frames, nil
}

// Frames is WADO-RS
// GET /studies/{study}/series/{series}/instances/{sop}/frames/{csv}.
// The response is multipart/related with one application/octet-stream
// part per requested frame.
func (h *Handler) Frames(c echo.Context) error {
	numbers, err := parseFrameList(c.Param("frames"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	ds, err := h.instanceDataset(c, c.Param("study"), c.Param("series"), c.Param("sop"))
	if err != nil {
		return err
	}
	frames, err := extractFrames(ds, numbers)
	if err != nil {
		return err
	}

	boundary := strings.ReplaceAll(uuid.NewString(), "-", "")
	c.Response().Header().Set(echo.HeaderContentType,
		fmt.Sprintf(`multipart/related; type="application/octet-stream"; boundary=%s`, boundary))
	c.Response().WriteHeader(http.StatusOK)

	writer := multipart.NewWriter(c.Response())
	if err := writer.SetBoundary(boundary); err != nil {
		return err
	}
	for _, frame := range frames {
		part, err := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type": []string{"application/octet-stream"},
		})
		if err != nil {
			return err
		}
		if _, err := part.Write(frame); err != nil {
			return err
		}
	}
	return writer.Close()
}
