// Package cli provides sequence management commands.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/sequences"
	"github.com/visionarychurch/followup/internal/templates"
)

var (
	sequencesListFiles     bool
	sequencesListTrigger   string
	sequencesImportBuiltin bool
	sequencesPreviewData   []string
)

func init() {
	rootCmd.AddCommand(sequencesCmd)
	sequencesCmd.AddCommand(sequencesListCmd)
	sequencesCmd.AddCommand(sequencesImportCmd)
	sequencesCmd.AddCommand(sequencesPreviewCmd)

	sequencesListCmd.Flags().BoolVar(&sequencesListFiles, "files", false, "list definitions from the search paths instead of the database")
	sequencesListCmd.Flags().StringVar(&sequencesListTrigger, "trigger", "", "filter by trigger event")
	sequencesImportCmd.Flags().BoolVar(&sequencesImportBuiltin, "builtin", false, "import the builtin sequences")
	sequencesPreviewCmd.Flags().StringArrayVar(&sequencesPreviewData, "data", nil, "template data as key=value (repeatable)")
}

var sequencesCmd = &cobra.Command{
	Use:     "sequences",
	Aliases: []string{"seq"},
	Short:   "Manage follow-up sequences",
}

var sequencesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sequences",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if sequencesListFiles {
			cwd, _ := os.Getwd()
			defs, err := sequences.LoadFromSearchPaths(cwd, true)
			if err != nil {
				return err
			}
			defs = filterDefinitions(defs, sequencesListTrigger)
			if IsJSONOutput() || IsJSONLOutput() {
				return WriteOutput(out, defs)
			}
			rows := make([][]string, 0, len(defs))
			for _, def := range defs {
				rows = append(rows, []string{def.Name, def.Trigger, fmt.Sprintf("%d", len(def.Steps)), def.Source})
			}
			return writeTable(out, []string{"NAME", "TRIGGER", "STEPS", "SOURCE"}, rows)
		}

		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		items, err := db.NewSequenceRepository(database).List(context.Background(), db.SequenceQuery{
			TenantID:     tenant,
			TriggerEvent: models.TriggerEventType(sequencesListTrigger),
		})
		if err != nil {
			return fmt.Errorf("failed to list sequences: %w", err)
		}
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, items)
		}
		rows := make([][]string, 0, len(items))
		for _, seq := range items {
			rows = append(rows, []string{
				seq.ID,
				seq.Name,
				string(seq.TriggerEvent),
				fmt.Sprintf("%d", len(seq.Steps)),
				formatSequenceActive(seq.IsActive),
			})
		}
		return writeTable(out, []string{"ID", "NAME", "TRIGGER", "STEPS", "STATUS"}, rows)
	},
}

var sequencesImportCmd = &cobra.Command{
	Use:   "import [path]",
	Short: "Import sequence definitions from a YAML file or directory",
	Long: `Import sequence definitions into the tenant's store. Sequences are matched
by name: existing ones are updated in place, new ones are created. Templates
referenced by name are seeded from the builtin set when missing.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}

		var defs []*sequences.Definition
		switch {
		case sequencesImportBuiltin:
			defs, err = sequences.LoadBuiltinSequences()
		case len(args) == 1:
			defs, err = loadDefinitions(args[0])
		default:
			return errors.New("a path or --builtin is required")
		}
		if err != nil {
			return err
		}
		if len(defs) == 0 {
			return errors.New("no sequence definitions found")
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		step := startProgress(cmd.ErrOrStderr(), fmt.Sprintf("Importing %d sequence(s)", len(defs)))
		importer := sequences.NewImporter(db.NewSequenceRepository(database), db.NewTemplateRepository(database))
		result, err := importer.Import(context.Background(), tenant, defs)
		if err != nil {
			step.Fail(err)
			return err
		}
		step.Done()

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, result)
		}
		fmt.Fprintf(out, "Created %d, updated %d sequence(s); seeded %d template(s)\n",
			len(result.Created), len(result.Updated), len(result.Templates))
		return nil
	},
}

var sequencesPreviewCmd = &cobra.Command{
	Use:   "preview <name|path>",
	Short: "Render a sequence definition without sending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		cwd, _ := os.Getwd()

		def, err := resolveDefinition(cwd, args[0])
		if err != nil {
			return err
		}
		data, err := parseKeyValues(sequencesPreviewData)
		if err != nil {
			return err
		}

		tmpls, err := templates.LoadTemplatesFromSearchPaths(cwd)
		if err != nil {
			return err
		}
		byName := templatesByName(tmpls)

		seq, err := def.ToSequence("", func(name string) (string, error) {
			if _, ok := byName[name]; !ok {
				return "", fmt.Errorf("template %q not found", name)
			}
			return name, nil
		})
		if err != nil {
			return err
		}

		steps, err := sequences.Preview(ctx, seq, templates.NewResolver(byName), nil, data)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, steps)
		}
		for _, step := range steps {
			fmt.Fprintf(out, "Step %d  %s  +%s\n", step.StepOrder, step.Channel, formatOffset(step.Offset))
			if step.Skipped {
				fmt.Fprintln(out, "  (skipped: send conditions not met)")
				continue
			}
			if step.Subject != "" {
				fmt.Fprintf(out, "  Subject: %s\n", step.Subject)
			}
			for _, line := range strings.Split(strings.TrimRight(step.Body, "\n"), "\n") {
				fmt.Fprintf(out, "  %s\n", line)
			}
		}
		return nil
	},
}

// templateSet serves templates by name; preview uses names as ids.
type templateSet map[string]*models.Template

func (s templateSet) Get(_ context.Context, id string) (*models.Template, error) {
	if t, ok := s[id]; ok {
		return t, nil
	}
	return nil, db.ErrTemplateNotFound
}

func templatesByName(items []*models.Template) templateSet {
	set := make(templateSet, len(items))
	for _, t := range items {
		set[t.Name] = t
	}
	return set
}

func loadDefinitions(path string) ([]*sequences.Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if info.IsDir() {
		return sequences.LoadDir(path)
	}
	def, err := sequences.LoadSequence(path)
	if err != nil {
		return nil, err
	}
	return []*sequences.Definition{def}, nil
}

func resolveDefinition(projectDir, nameOrPath string) (*sequences.Definition, error) {
	if info, err := os.Stat(nameOrPath); err == nil && !info.IsDir() {
		return sequences.LoadSequence(nameOrPath)
	}
	defs, err := sequences.LoadFromSearchPaths(projectDir, true)
	if err != nil {
		return nil, err
	}
	def := findDefinitionByName(defs, nameOrPath)
	if def == nil {
		return nil, fmt.Errorf("sequence %q not found", nameOrPath)
	}
	return def, nil
}

func filterDefinitions(defs []*sequences.Definition, trigger string) []*sequences.Definition {
	trigger = strings.TrimSpace(trigger)
	if trigger == "" {
		return defs
	}
	filtered := make([]*sequences.Definition, 0, len(defs))
	for _, def := range defs {
		if strings.EqualFold(def.Trigger, trigger) {
			filtered = append(filtered, def)
		}
	}
	return filtered
}

func findDefinitionByName(defs []*sequences.Definition, name string) *sequences.Definition {
	for _, def := range defs {
		if strings.EqualFold(def.Name, name) {
			return def
		}
	}
	return nil
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	values := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", pair)
		}
		values[key] = value
	}
	return values, nil
}

func formatOffset(d time.Duration) string {
	total := int(d / time.Minute)
	if total <= 0 {
		return "0m"
	}
	var b strings.Builder
	if days := total / (24 * 60); days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours := total % (24 * 60) / 60; hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if mins := total % 60; mins > 0 {
		fmt.Fprintf(&b, "%dm", mins)
	}
	return b.String()
}
