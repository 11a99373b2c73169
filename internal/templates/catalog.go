package templates

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/visionarychurch/followup/internal/models"
)

// PathEnv lists extra template directories, highest precedence first.
const PathEnv = "FOLLOWUP_TEMPLATES_PATH"

//go:embed builtin/*.yaml
var builtinFS embed.FS

// LoadBuiltinTemplates returns the starter templates bundled with the
// engine, sorted by name.
func LoadBuiltinTemplates() ([]*models.Template, error) {
	names, err := fs.Glob(builtinFS, "builtin/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list builtin templates: %w", err)
	}

	out := make([]*models.Template, 0, len(names))
	for _, name := range names {
		data, err := builtinFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read builtin template %s: %w", name, err)
		}
		tmpl, err := parseTemplate(data)
		if err != nil {
			return nil, fmt.Errorf("parse builtin template %s: %w", name, err)
		}
		out = append(out, tmpl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CatalogDirs returns the directories searched for template files:
// $FOLLOWUP_TEMPLATES_PATH entries, then the project, user and system dirs.
func CatalogDirs(projectDir string) []string {
	var dirs []string
	for _, dir := range filepath.SplitList(os.Getenv(PathEnv)) {
		if dir = strings.TrimSpace(dir); dir != "" {
			dirs = append(dirs, dir)
		}
	}
	if projectDir != "" {
		dirs = append(dirs, filepath.Join(projectDir, ".followup", "templates"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, filepath.Join(home, ".config", "followup", "templates"))
	}
	return append(dirs, filepath.Join(string(filepath.Separator), "etc", "followup", "templates"))
}

// LoadTemplatesFromSearchPaths loads every template visible from
// projectDir. The first directory defining a name wins; builtins fill in
// names no directory defines.
func LoadTemplatesFromSearchPaths(projectDir string) ([]*models.Template, error) {
	var catalog []*models.Template
	seen := make(map[string]bool)
	keep := func(items []*models.Template) {
		for _, tmpl := range items {
			if !seen[tmpl.Name] {
				seen[tmpl.Name] = true
				catalog = append(catalog, tmpl)
			}
		}
	}

	for _, dir := range CatalogDirs(projectDir) {
		items, err := LoadTemplatesFromDir(dir)
		if err != nil {
			return nil, err
		}
		keep(items)
	}
	builtins, err := LoadBuiltinTemplates()
	if err != nil {
		return nil, err
	}
	keep(builtins)
	return catalog, nil
}
