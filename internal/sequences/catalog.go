package sequences

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// PathEnv lists extra sequence directories, highest precedence first.
const PathEnv = "FOLLOWUP_SEQUENCES_PATH"

// BuiltinSource marks definitions bundled with the engine.
const BuiltinSource = "builtin"

//go:embed builtin/*.yaml
var builtinFS embed.FS

// LoadBuiltinSequences returns the starter sequences bundled with the
// engine, sorted by name.
func LoadBuiltinSequences() ([]*Definition, error) {
	names, err := fs.Glob(builtinFS, "builtin/*.yaml")
	if err != nil {
		return nil, fmt.Errorf("list builtin sequences: %w", err)
	}

	defs := make([]*Definition, 0, len(names))
	for _, name := range names {
		data, err := builtinFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("read builtin sequence %s: %w", name, err)
		}
		def, err := parseDefinition(data)
		if err != nil {
			return nil, fmt.Errorf("parse builtin sequence %s: %w", name, err)
		}
		def.Source = BuiltinSource
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// CatalogDirs returns the directories searched for sequence files:
// $FOLLOWUP_SEQUENCES_PATH entries, then the project, user and system dirs.
func CatalogDirs(projectDir string) []string {
	var dirs []string
	for _, dir := range filepath.SplitList(os.Getenv(PathEnv)) {
		if dir = strings.TrimSpace(dir); dir != "" {
			dirs = append(dirs, dir)
		}
	}
	if projectDir != "" {
		dirs = append(dirs, filepath.Join(projectDir, ".followup", "sequences"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		dirs = append(dirs, filepath.Join(home, ".config", "followup", "sequences"))
	}
	return append(dirs, filepath.Join(string(filepath.Separator), "etc", "followup", "sequences"))
}

// LoadFromSearchPaths loads every definition visible from projectDir. The
// first directory defining a name wins; builtins are appended for names
// no directory defines when includeBuiltin is set.
func LoadFromSearchPaths(projectDir string, includeBuiltin bool) ([]*Definition, error) {
	var catalog []*Definition
	seen := make(map[string]bool)
	keep := func(defs []*Definition) {
		for _, def := range defs {
			if !seen[def.Name] {
				seen[def.Name] = true
				catalog = append(catalog, def)
			}
		}
	}

	for _, dir := range CatalogDirs(projectDir) {
		defs, err := LoadDir(dir)
		if err != nil {
			return nil, err
		}
		keep(defs)
	}
	if includeBuiltin {
		builtins, err := LoadBuiltinSequences()
		if err != nil {
			return nil, err
		}
		keep(builtins)
	}
	return catalog, nil
}
