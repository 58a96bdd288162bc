// Package scaffold writes a starter groundlink project.
package scaffold

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dyluth/groundlink/internal/config"
	"github.com/dyluth/groundlink/internal/definitions"
)

//go:embed templates/*
var templatesFS embed.FS

const (
	ConfigFile  = "groundlink.yml"
	CatalogFile = "definitions/catalog.yaml"
)

// FileInfo is a file written by Initialize.
type FileInfo struct {
	Path        string // relative to the project directory
	Content     []byte
	Permissions os.FileMode
}

// Initialize writes groundlink.yml and a definitions catalog into dir and
// checks both load. Existing files are an error unless force is set, in
// which case they are replaced.
func Initialize(dir string, force bool) ([]FileInfo, error) {
	if !force {
		if err := CheckExisting(dir); err != nil {
			return nil, err
		}
	}

	files, err := templateFiles()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		path := filepath.Join(dir, f.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", f.Path, err)
		}
		if err := os.WriteFile(path, f.Content, f.Permissions); err != nil {
			return nil, fmt.Errorf("failed to write %s: %w", f.Path, err)
		}
	}

	if err := validate(dir); err != nil {
		return nil, err
	}
	return files, nil
}

func templateFiles() ([]FileInfo, error) {
	sources := []struct{ template, path string }{
		{"templates/groundlink.yml.tmpl", ConfigFile},
		{"templates/catalog.yaml.tmpl", CatalogFile},
	}
	files := make([]FileInfo, 0, len(sources))
	for _, s := range sources {
		content, err := templatesFS.ReadFile(s.template)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s template: %w", s.path, err)
		}
		files = append(files, FileInfo{Path: s.path, Content: content, Permissions: 0644})
	}
	return files, nil
}

// validate loads the written files the way the interface command does.
func validate(dir string) error {
	cfg, err := config.Load(filepath.Join(dir, ConfigFile))
	if err != nil {
		return fmt.Errorf("created %s is invalid: %w", ConfigFile, err)
	}
	if _, err := definitions.LoadCatalog(cfg.Definitions); err != nil {
		return fmt.Errorf("created %s is invalid: %w", CatalogFile, err)
	}
	return nil
}

// CheckExisting returns an error naming the project files already in dir.
func CheckExisting(dir string) error {
	var existing []string
	for _, name := range []string{ConfigFile, CatalogFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			existing = append(existing, name)
		}
	}
	switch len(existing) {
	case 0:
		return nil
	case 1:
		return fmt.Errorf("project already initialized\n\nFound existing: %s\n\nUse 'groundlink init --force' to overwrite it", existing[0])
	default:
		msg := "project already initialized\n\nFound existing files:\n"
		for _, f := range existing {
			msg += fmt.Sprintf("  - %s\n", f)
		}
		return fmt.Errorf("%s\nUse 'groundlink init --force' to overwrite them", msg)
	}
}
