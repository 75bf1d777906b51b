// Package connector resolves connector schemas by id and environment.
package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nexus-orchestrator/backend/pkg/models"
)

// ErrNotFound is returned when no source knows the requested connector.
var ErrNotFound = errors.New("connector schema not found")

// Source fetches connector schemas from one backing location.
type Source interface {
	Fetch(ctx context.Context, id, env string) (*models.ConnectorSchema, error)
}

// Versioner reports an identifier that changes whenever published schemas change.
type Versioner interface {
	Version(ctx context.Context) (string, error)
}

func validID(id string) bool {
	return id != "" && !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}

// HTTPSource reads schemas published as static JSON files.
type HTTPSource struct {
	base   string
	client *http.Client
}

// NewHTTPSource creates a source rooted at base, e.g. https://cds.example.com/cds.
func NewHTTPSource(base string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) schemaURL(id, env string) string {
	if env == models.EnvironmentStaging {
		return fmt.Sprintf("%s/staging/%s.json", s.base, id)
	}
	return fmt.Sprintf("%s/%s.json", s.base, id)
}

// Fetch downloads the schema of connector id.
func (s *HTTPSource) Fetch(ctx context.Context, id, env string) (*models.ConnectorSchema, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	body, err := s.get(ctx, s.schemaURL(id, env))
	if err != nil {
		return nil, fmt.Errorf("fetch connector %s: %w", id, err)
	}
	var schema models.ConnectorSchema
	if err := json.Unmarshal(body, &schema); err != nil {
		return nil, fmt.Errorf("decode connector %s: %w", id, err)
	}
	return &schema, nil
}

// Version returns the published schema version marker.
func (s *HTTPSource) Version(ctx context.Context) (string, error) {
	body, err := s.get(ctx, s.base+"/version")
	if err != nil {
		return "", fmt.Errorf("fetch schema version: %w", err)
	}
	return strings.TrimSpace(string(body)), nil
}

func (s *HTTPSource) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// DirSource reads schemas from YAML or JSON files in a local directory.
// Staging schemas live in a "staging" subdirectory and fall back to the
// production file.
type DirSource struct {
	dir string
}

// NewDirSource creates a source reading from dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

var schemaExtensions = []string{".yaml", ".yml", ".json"}

// Fetch loads <dir>/<id>.yaml, .yml or .json.
func (s *DirSource) Fetch(_ context.Context, id, env string) (*models.ConnectorSchema, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	dirs := []string{s.dir}
	if env == models.EnvironmentStaging {
		dirs = []string{filepath.Join(s.dir, "staging"), s.dir}
	}
	for _, dir := range dirs {
		for _, ext := range schemaExtensions {
			path := filepath.Join(dir, id+ext)
			data, err := os.ReadFile(path)
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			if err != nil {
				return nil, err
			}
			return decodeSchemaFile(path, data)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// decodeSchemaFile converts YAML to JSON first so that the tagged operation
// union decodes through the same path as remote schemas.
func decodeSchemaFile(path string, data []byte) (*models.ConnectorSchema, error) {
	if filepath.Ext(path) != ".json" {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", path, err)
		}
		data = converted
	}
	var schema models.ConnectorSchema
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &schema, nil
}
