package sequences

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/templates"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadSequence(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "welcome.yaml", `name: Welcome
type: visitor_followup
trigger: visit_completed
start_delay: 30m
enrollment_window: 2d
steps:
  - type: email
    subject: Hi {{ first_name }}
    body: Thanks for visiting.
  - type: SMS
    delay: 48h
    body: See you Sunday?
`)

	def, err := LoadSequence(path)
	if err != nil {
		t.Fatalf("LoadSequence: %v", err)
	}
	if def.Name != "Welcome" || def.Source != path {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.Steps[1].Type != "sms" {
		t.Fatalf("expected normalized step type, got %q", def.Steps[1].Type)
	}

	seq, err := def.ToSequence("church-1", nil)
	if err != nil {
		t.Fatalf("ToSequence: %v", err)
	}
	if seq.StartDelayMinutes != 30 {
		t.Fatalf("expected start delay 30, got %d", seq.StartDelayMinutes)
	}
	if seq.EnrollmentWindowHours != 48 {
		t.Fatalf("expected window 48h, got %d", seq.EnrollmentWindowHours)
	}
	if !seq.IsActive {
		t.Fatal("sequences default to active")
	}
	if len(seq.Steps) != 2 || seq.Steps[1].StepOrder != 2 || seq.Steps[1].DelayAfterPrevious != 48*60 {
		t.Fatalf("unexpected steps: %+v", seq.Steps)
	}
}

func TestLoadSequenceErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing name", "steps:\n  - type: email\n    body: x\n"},
		{"no steps", "name: x\n"},
		{"bad type", "name: x\nsteps:\n  - type: fax\n    body: x\n"},
		{"bad delay", "name: x\nsteps:\n  - type: email\n    delay: soon\n    body: x\n"},
		{"negative delay", "name: x\nsteps:\n  - type: email\n    delay: -1h\n    body: x\n"},
		{"no content", "name: x\nsteps:\n  - type: email\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "seq.yaml", tt.content)
			if _, err := LoadSequence(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseDelay(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"0s", 0},
		{"90m", 90 * time.Minute},
		{"3d", 72 * time.Hour},
	}
	for _, tt := range tests {
		got, err := ParseDelay(tt.in)
		if err != nil {
			t.Fatalf("ParseDelay(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseDelay(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseDelay("xd"); err == nil {
		t.Fatal("expected error for bad day count")
	}
}

func TestLoadDirMissing(t *testing.T) {
	defs, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(defs) != 0 {
		t.Fatalf("expected no definitions, got %d", len(defs))
	}
}

func TestBuiltinSequences(t *testing.T) {
	defs, err := LoadBuiltinSequences()
	if err != nil {
		t.Fatalf("LoadBuiltinSequences: %v", err)
	}
	if len(defs) < 2 {
		t.Fatalf("expected builtin sequences, got %d", len(defs))
	}
}

func TestLoadFromSearchPathsPrecedence(t *testing.T) {
	override := t.TempDir()
	project := t.TempDir()
	t.Setenv(PathEnv, override)

	writeFile(t, override, "first_visit.yaml", `name: First Visit Follow-up
trigger: visit_completed
steps:
  - type: email
    subject: Override
    body: From the override dir.
`)
	projectDir := filepath.Join(project, ".followup", "sequences")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeFile(t, projectDir, "first_visit.yaml", `name: First Visit Follow-up
trigger: visit_completed
steps:
  - type: email
    subject: Project
    body: From the project dir.
`)

	dirs := CatalogDirs(project)
	if dirs[0] != override || dirs[1] != projectDir {
		t.Fatalf("unexpected search order: %v", dirs)
	}

	defs, err := LoadFromSearchPaths(project, true)
	if err != nil {
		t.Fatalf("LoadFromSearchPaths: %v", err)
	}
	byName := map[string]*Definition{}
	for _, def := range defs {
		byName[def.Name] = def
	}
	first := byName["First Visit Follow-up"]
	if first == nil || first.Steps[0].Subject != "Override" {
		t.Fatalf("expected override definition to win, got %+v", first)
	}
	if prayer := byName["Prayer Care"]; prayer == nil || prayer.Source != BuiltinSource {
		t.Fatalf("expected builtin Prayer Care, got %+v", prayer)
	}

	withoutBuiltin, err := LoadFromSearchPaths(project, false)
	if err != nil {
		t.Fatalf("LoadFromSearchPaths: %v", err)
	}
	if len(withoutBuiltin) != 1 {
		t.Fatalf("expected only the file definition, got %d", len(withoutBuiltin))
	}
}

func TestImport(t *testing.T) {
	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	ctx := context.Background()
	if err := database.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	seqRepo := db.NewSequenceRepository(database)
	tmplRepo := db.NewTemplateRepository(database)
	importer := NewImporter(seqRepo, tmplRepo)

	defs, err := LoadBuiltinSequences()
	if err != nil {
		t.Fatalf("LoadBuiltinSequences: %v", err)
	}

	result, err := importer.Import(ctx, "church-1", defs)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(result.Created) != len(defs) || len(result.Updated) != 0 {
		t.Fatalf("unexpected first import: %+v", result)
	}
	if len(result.Templates) == 0 {
		t.Fatal("expected builtin templates to be seeded")
	}

	result, err = importer.Import(ctx, "church-1", defs)
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if len(result.Created) != 0 || len(result.Updated) != len(defs) || len(result.Templates) != 0 {
		t.Fatalf("expected second import to update only: %+v", result)
	}

	stored, err := seqRepo.List(ctx, db.SequenceQuery{TenantID: "church-1"})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(stored) != len(defs) {
		t.Fatalf("expected %d sequences, got %d", len(defs), len(stored))
	}
	for _, seq := range stored {
		for _, step := range seq.Steps {
			if step.Content.TemplateID == "" && step.Content.Body == "" {
				t.Fatalf("sequence %q step %d has no content", seq.Name, step.StepOrder)
			}
		}
	}
}

func TestPreview(t *testing.T) {
	seq := &models.Sequence{
		Name:              "Welcome",
		StartDelayMinutes: 60,
		Steps: []models.SequenceStep{
			{StepOrder: 1, StepType: models.StepTypeEmail, Content: models.StepContent{Subject: "Hi {{ first_name }}", Body: "Welcome to {{ sequence_name }}"}},
			{StepOrder: 2, StepType: models.StepTypeSMS, DelayAfterPrevious: 120, Content: models.StepContent{Body: "Text"},
				SendConditions: []models.Condition{{Field: "sms_opt_in", Operator: models.OpEquals, Value: "true"}}},
		},
	}

	steps, err := Preview(context.Background(), seq, templates.NewResolver(nil), nil, map[string]string{"first_name": "Ann"})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].Subject != "Hi Ann" || steps[0].Body != "Welcome to Welcome" {
		t.Fatalf("unexpected first step: %+v", steps[0])
	}
	if steps[0].Offset != time.Hour || steps[1].Offset != 3*time.Hour {
		t.Fatalf("unexpected offsets: %v %v", steps[0].Offset, steps[1].Offset)
	}
	if !steps[1].Skipped {
		t.Fatal("expected sms step to be skipped without opt-in")
	}
}
