// Package cli provides message template commands.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/templates"
)

var templatesImportBuiltin bool

func init() {
	rootCmd.AddCommand(templatesCmd)
	templatesCmd.AddCommand(templatesListCmd)
	templatesCmd.AddCommand(templatesImportCmd)

	templatesImportCmd.Flags().BoolVar(&templatesImportBuiltin, "builtin", false, "import the builtin templates")
}

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Manage message templates",
}

var templatesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a tenant's templates",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}
		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		items, err := db.NewTemplateRepository(database).List(context.Background(), tenant)
		if err != nil {
			return fmt.Errorf("failed to list templates: %w", err)
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, items)
		}
		rows := make([][]string, 0, len(items))
		for _, t := range items {
			rows = append(rows, []string{t.ID, t.Name, string(t.Channel), truncate(strings.Join(t.Variables, ", "), maxCellWidth)})
		}
		return writeTable(out, []string{"ID", "NAME", "CHANNEL", "VARIABLES"}, rows)
	},
}

var templatesImportCmd = &cobra.Command{
	Use:   "import [dir]",
	Short: "Import templates from a directory of YAML files",
	Long:  "Import templates into the tenant's store. Templates are matched by name and updated in place.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, err := requireTenant()
		if err != nil {
			return err
		}

		var items []*models.Template
		switch {
		case templatesImportBuiltin:
			items, err = templates.LoadBuiltinTemplates()
		case len(args) == 1:
			items, err = loadTemplates(args[0])
		default:
			return fmt.Errorf("a directory or --builtin is required")
		}
		if err != nil {
			return err
		}

		database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()

		created, updated, err := importTemplates(context.Background(), db.NewTemplateRepository(database), tenant, items)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if IsJSONOutput() || IsJSONLOutput() {
			return WriteOutput(out, map[string]any{"created": created, "updated": updated})
		}
		fmt.Fprintf(out, "Created %d, updated %d template(s)\n", created, updated)
		return nil
	},
}

func loadTemplates(path string) ([]*models.Template, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !info.IsDir() {
		tmpl, err := templates.LoadTemplate(path)
		if err != nil {
			return nil, err
		}
		return []*models.Template{tmpl}, nil
	}
	return templates.LoadTemplatesFromDir(path)
}

func importTemplates(ctx context.Context, repo *db.TemplateRepository, tenant string, items []*models.Template) (created, updated int, err error) {
	existing, err := repo.List(ctx, tenant)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list templates: %w", err)
	}
	byName := make(map[string]*models.Template, len(existing))
	for _, t := range existing {
		byName[t.Name] = t
	}

	for _, src := range items {
		tmpl := *src
		tmpl.TenantID = tenant
		if current, ok := byName[tmpl.Name]; ok {
			tmpl.ID = current.ID
			tmpl.CreatedAt = current.CreatedAt
			if err := repo.Update(ctx, &tmpl); err != nil {
				return created, updated, fmt.Errorf("failed to update template %q: %w", tmpl.Name, err)
			}
			updated++
			continue
		}
		tmpl.ID = ""
		if err := repo.Create(ctx, &tmpl); err != nil {
			return created, updated, fmt.Errorf("failed to create template %q: %w", tmpl.Name, err)
		}
		created++
	}
	return created, updated, nil
}
