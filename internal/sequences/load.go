package sequences

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/visionarychurch/followup/internal/models"
)

// LoadSequence reads a single sequence definition from disk.
func LoadSequence(path string) (*Definition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sequence path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sequence %s: %w", path, err)
	}

	def, err := parseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("parse sequence %s: %w", path, err)
	}
	def.Source = path
	return def, nil
}

// LoadDir loads all sequence definitions from a directory. A missing
// directory yields no definitions.
func LoadDir(dir string) ([]*Definition, error) {
	if strings.TrimSpace(dir) == "" {
		return []*Definition{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Definition{}, nil
		}
		return nil, fmt.Errorf("read sequences dir %s: %w", dir, err)
	}

	defs := make([]*Definition, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		def, err := LoadSequence(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})

	return defs, nil
}

func parseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, err
	}

	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, fmt.Errorf("sequence name is required")
	}
	def.Description = strings.TrimSpace(def.Description)
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("sequence steps are required")
	}

	for i := range def.Steps {
		if err := normalizeStep(&def.Steps[i]); err != nil {
			return nil, fmt.Errorf("sequence step %d: %w", i+1, err)
		}
	}

	return &def, nil
}

func normalizeStep(step *StepDefinition) error {
	step.Type = strings.ToLower(strings.TrimSpace(step.Type))
	step.Name = strings.TrimSpace(step.Name)
	step.Delay = strings.TrimSpace(step.Delay)
	step.Template = strings.TrimSpace(step.Template)
	step.Subject = strings.TrimSpace(step.Subject)
	step.Body = strings.TrimRight(step.Body, "\n")
	step.WebhookURL = strings.TrimSpace(step.WebhookURL)

	if !models.StepType(step.Type).Valid() {
		return fmt.Errorf("unknown step type %q", step.Type)
	}
	if _, err := ParseDelay(step.Delay); err != nil {
		return err
	}
	if step.Template == "" && strings.TrimSpace(step.Body) == "" && models.StepType(step.Type) != models.StepTypeWebhook {
		return fmt.Errorf("template or body is required")
	}
	return nil
}

// ParseDelay parses a Go duration with an extra "d" unit for whole days.
// An empty string is zero.
func ParseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid delay %q", s)
		}
		if n < 0 {
			return 0, fmt.Errorf("delay %q must not be negative", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("delay %q must not be negative", s)
	}
	return d, nil
}

func minutes(d time.Duration) int {
	return int(d / time.Minute)
}

// TemplateLookup maps a template name to its stored id.
type TemplateLookup func(name string) (string, error)

// ToSequence converts a definition into a tenant's sequence. Step template
// names are resolved through lookup; a nil lookup leaves them unresolved
// and fails for steps that reference one.
func (d *Definition) ToSequence(tenantID string, lookup TemplateLookup) (*models.Sequence, error) {
	startDelay, err := ParseDelay(d.StartDelay)
	if err != nil {
		return nil, fmt.Errorf("start_delay: %w", err)
	}
	window, err := ParseDelay(d.EnrollmentWindow)
	if err != nil {
		return nil, fmt.Errorf("enrollment_window: %w", err)
	}

	active := true
	if d.Active != nil {
		active = *d.Active
	}

	seq := &models.Sequence{
		TenantID:              tenantID,
		Name:                  d.Name,
		Description:           d.Description,
		SequenceType:          models.SequenceType(strings.TrimSpace(d.Type)),
		TriggerEvent:          models.TriggerEventType(strings.TrimSpace(d.Trigger)),
		TriggerConditions:     d.TriggerConditions,
		IsActive:              active,
		StartDelayMinutes:     minutes(startDelay),
		MaxEnrollments:        d.MaxEnrollments,
		EnrollmentWindowHours: int(window / time.Hour),
		Priority:              d.Priority,
		ConversionEvent:       models.TriggerEventType(strings.TrimSpace(d.ConversionEvent)),
		SendWindow:            d.SendWindow,
	}
	if seq.SequenceType == "" {
		seq.SequenceType = models.SequenceTypeCustom
	}

	for i, sd := range d.Steps {
		delay, err := ParseDelay(sd.Delay)
		if err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
		step := models.SequenceStep{
			StepOrder:          i + 1,
			StepType:           models.StepType(sd.Type),
			Name:               sd.Name,
			DelayAfterPrevious: minutes(delay),
			Content: models.StepContent{
				Subject: sd.Subject,
				Body:    sd.Body,
			},
			WebhookURL:     sd.WebhookURL,
			SendConditions: sd.SendConditions,
			MaxRetries:     sd.MaxRetries,
		}
		if sd.Template != "" {
			if lookup == nil {
				return nil, fmt.Errorf("step %d: template %q cannot be resolved", i+1, sd.Template)
			}
			id, err := lookup(sd.Template)
			if err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
			step.Content.TemplateID = id
		}
		seq.Steps = append(seq.Steps, step)
	}

	if err := seq.Validate(); err != nil {
		return nil, fmt.Errorf("sequence %q: %w", d.Name, err)
	}
	return seq, nil
}
