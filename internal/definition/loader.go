// Package definition implements the definition registry: YAML loading,
// validation with cycle detection, versioned storage and trigger rows.
package definition

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/complyflow/model"
)

// Loader scans directories for YAML definition files, parses them, and computes
// SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a DefinitionFile.
func (l *Loader) LoadAll(directories []string) ([]model.DefinitionFile, error) {
	var files []model.DefinitionFile

	for _, dir := range directories {
		err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(path))
			if ext != ".yaml" && ext != ".yml" {
				return nil
			}

			file, err := l.LoadFile(path)
			if err != nil {
				return fmt.Errorf("loading %s: %w", path, err)
			}
			files = append(files, file)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
	}

	return files, nil
}

// LoadFile loads and parses a single YAML definition file. The tenant of the
// file is copied onto workflows that do not name their own.
func (l *Loader) LoadFile(path string) (model.DefinitionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DefinitionFile{}, fmt.Errorf("reading %s: %w", path, err)
	}

	var file model.DefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return model.DefinitionFile{}, fmt.Errorf("parsing %s: %w", path, err)
	}

	file.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	file.SourceFile = path
	for i := range file.Workflows {
		if file.Workflows[i].TenantID == "" {
			file.Workflows[i].TenantID = file.TenantID
		}
	}
	return file, nil
}

// Seed registers every workflow in files whose content differs from the
// latest registered version, so restarting with unchanged files is a no-op.
func Seed(ctx context.Context, r *Registry, files []model.DefinitionFile, logger *zap.Logger) error {
	for _, file := range files {
		for i := range file.Workflows {
			wf := file.Workflows[i]
			sum, err := workflowChecksum(wf)
			if err != nil {
				return fmt.Errorf("%s: workflows[%d]: %w", file.SourceFile, i, err)
			}

			latest, err := r.GetLatest(ctx, wf.TenantID, wf.Name)
			if err == nil && latest.SourceChecksum == sum {
				logger.Debug("seed definition unchanged",
					zap.String("name", wf.Name),
					zap.Int("version", latest.Version),
				)
				continue
			}
			if err != nil && model.ErrorCode(err) != model.ErrNotFound {
				return fmt.Errorf("%s: lookup %q: %w", file.SourceFile, wf.Name, err)
			}

			wf.SourceChecksum = sum
			if _, err := r.Register(ctx, wf); err != nil {
				return fmt.Errorf("%s: register %q: %w", file.SourceFile, wf.Name, err)
			}
		}
	}
	return nil
}

func workflowChecksum(wf model.WorkflowDefinition) (string, error) {
	wf.SourceChecksum = ""
	data, err := json.Marshal(wf)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}
