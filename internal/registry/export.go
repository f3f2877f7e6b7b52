package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/json-iterator/go"
	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Export writes the full catalog to path for audit tooling. Files ending in
// .yaml or .yml are written as YAML, everything else as indented JSON. The
// file is replaced atomically.
func (r *Registry) Export(path string) error {
	doc := ExportDocument{
		ExportedAt:   r.now().UTC(),
		Capabilities: r.List(Filter{}),
	}
	doc.Total = len(doc.Capabilities)
	if err := WriteExport(path, doc); err != nil {
		return err
	}
	r.logger.Info("Exported capability catalog", zap.String("path", path), zap.Int("count", doc.Total))
	return nil
}

// WriteExport encodes doc to path.
func WriteExport(path string, doc ExportDocument) error {
	resolved, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to expand export path %q: %w", path, err)
	}

	var data []byte
	if isYAML(resolved) {
		data, err = yaml.Marshal(doc)
	} else {
		data, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode capability catalog: %w", err)
	}

	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".capabilities-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close export: %w", err)
	}
	if err := os.Rename(tmp.Name(), resolved); err != nil {
		return fmt.Errorf("failed to move export into place: %w", err)
	}
	return nil
}

// ReadExport decodes an export file written by Export.
func ReadExport(path string) (ExportDocument, error) {
	resolved, err := homedir.Expand(path)
	if err != nil {
		return ExportDocument{}, fmt.Errorf("failed to expand import path %q: %w", path, err)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return ExportDocument{}, fmt.Errorf("failed to read %s: %w", resolved, err)
	}

	var doc ExportDocument
	if isYAML(resolved) {
		err = yaml.Unmarshal(data, &doc)
	} else {
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return ExportDocument{}, fmt.Errorf("failed to decode %s: %w", resolved, err)
	}
	return doc, nil
}

// Import registers every capability from an export file, keeping each
// record's status and usage history. Names that already exist follow the
// conflict policy; rejected duplicates are skipped and counted.
func (r *Registry) Import(ctx context.Context, path string) (ImportReport, error) {
	doc, err := ReadExport(path)
	if err != nil {
		return ImportReport{}, err
	}

	var report ImportReport
	for _, c := range doc.Capabilities {
		if _, err := r.Register(ctx, c); err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrInvalid) {
				report.Skipped++
				r.logger.Warn("Skipping capability during import", zap.String("tool", c.Name), zap.Error(err))
				continue
			}
			return report, fmt.Errorf("import aborted at %s: %w", c.Name, err)
		}
		report.Imported++
	}
	r.logger.Info("Imported capability catalog",
		zap.String("path", path), zap.Int("imported", report.Imported), zap.Int("skipped", report.Skipped))
	return report, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
