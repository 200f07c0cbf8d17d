// Package slicer sends composed Python scripts to a per-user 3D Slicer
// HTTP endpoint. The script DSL itself is opaque to Clarinet; this
// service only prepends the helper source and the context assignments.
package slicer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/config"
)

const execPath = "/slicer/exec"

// Service composes and submits Slicer scripts.
type Service struct {
	helper  string
	timeout time.Duration
}

// New loads the helper script source into memory. A missing helper file
// is an error; Clarinet cannot compose scripts without it.
func New(cfg config.SlicerConfig) (*Service, error) {
	helper := ""
	if cfg.HelperScript != "" {
		raw, err := os.ReadFile(cfg.HelperScript)
		if err != nil {
			return nil, fmt.Errorf("failed to read slicer helper %s: %w", cfg.HelperScript, err)
		}
		helper = string(raw)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Service{helper: helper, timeout: timeout}, nil
}

// pyLiteral renders one context value as a Python literal assignment
// target.
func pyLiteral(v interface{}) string {
	switch value := v.(type) {
	case nil:
		return "None"
	case bool:
		if value {
			return "True"
		}
		return "False"
	case string:
		escaped := strings.ReplaceAll(value, `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `'`, `\'`)
		return "'" + escaped + "'"
	case int:
		return strconv.Itoa(value)
	case int64:
		return strconv.FormatInt(value, 10)
	case float64:
		return strconv.FormatFloat(value, 'g', -1, 64)
	default:
		return pyLiteral(fmt.Sprintf("%v", value))
	}
}

// compose builds the submitted payload: helper source, a blank line,
// one assignment per context entry in stable order, a blank line, then
// the user script.
func (s *Service) compose(script string, scriptContext map[string]interface{}, withHelper bool) string {
	var b strings.Builder
	if withHelper && s.helper != "" {
		b.WriteString(s.helper)
		b.WriteString("\n")
	}

	keys := make([]string, 0, len(scriptContext))
	for k := range scriptContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(" = ")
		b.WriteString(pyLiteral(scriptContext[k]))
		b.WriteString("\n")
	}
	if len(keys) > 0 {
		b.WriteString("\n")
	}

	b.WriteString(script)
	return b.String()
}

// post submits a composed script. A short-lived client per call keeps a
// hung Slicer endpoint from pinning pooled connections.
func (s *Service) post(ctx context.Context, url, payload string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(url, "/")+execPath, strings.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build slicer request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	client := &http.Client{Timeout: s.timeout}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("slicer at %s timed out: %w", url, common.ErrTimeout)
		}
		return "", fmt.Errorf("slicer at %s unreachable: %v: %w", url, err, common.ErrAssociation)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("slicer returned %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(body)), common.ErrProtocolStatus)
	}
	return string(body), nil
}

// Execute composes helper + context assignments + script and submits it.
func (s *Service) Execute(ctx context.Context, url, script string, scriptContext map[string]interface{}) (string, error) {
	return s.post(ctx, url, s.compose(script, scriptContext, true))
}

// ExecuteRaw submits the script with context assignments but without the
// helper prefix.
func (s *Service) ExecuteRaw(ctx context.Context, url, script string, scriptContext map[string]interface{}) (string, error) {
	return s.post(ctx, url, s.compose(script, scriptContext, false))
}

// Ping runs a trivial script and reports whether the endpoint answered.
func (s *Service) Ping(ctx context.Context, url string) bool {
	if _, err := s.post(ctx, url, "pass"); err != nil {
		common.Logger.WithFields(logrus.Fields{"url": url, "error": err}).Debug("slicer ping failed")
		return false
	}
	return true
}
