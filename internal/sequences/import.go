package sequences

import (
	"context"
	"fmt"

	"github.com/visionarychurch/followup/internal/db"
	"github.com/visionarychurch/followup/internal/logging"
	"github.com/visionarychurch/followup/internal/models"
	"github.com/visionarychurch/followup/internal/templates"
)

// SequenceStore is the subset of the sequence repository used by imports.
type SequenceStore interface {
	List(ctx context.Context, q db.SequenceQuery) ([]*models.Sequence, error)
	Create(ctx context.Context, seq *models.Sequence) error
	Update(ctx context.Context, seq *models.Sequence) error
}

// TemplateStore is the subset of the template repository used by imports.
type TemplateStore interface {
	List(ctx context.Context, tenantID string) ([]*models.Template, error)
	Create(ctx context.Context, t *models.Template) error
}

// ImportResult counts what an import changed.
type ImportResult struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Templates []string `json:"templates_created"`
}

// Importer writes sequence definitions into a tenant's store.
type Importer struct {
	sequences SequenceStore
	templates TemplateStore
}

// NewImporter creates an importer.
func NewImporter(sequences SequenceStore, templates TemplateStore) *Importer {
	return &Importer{sequences: sequences, templates: templates}
}

// Import creates or updates each definition by name. Template names that the
// tenant does not have yet are seeded from the builtin templates.
func (i *Importer) Import(ctx context.Context, tenantID string, defs []*Definition) (*ImportResult, error) {
	log := logging.Component("sequences")
	result := &ImportResult{}

	existing, err := i.sequences.List(ctx, db.SequenceQuery{TenantID: tenantID})
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*models.Sequence, len(existing))
	for _, seq := range existing {
		byName[seq.Name] = seq
	}

	lookup, err := i.templateLookup(ctx, tenantID, result)
	if err != nil {
		return nil, err
	}

	for _, def := range defs {
		seq, err := def.ToSequence(tenantID, lookup)
		if err != nil {
			return result, err
		}

		if current, ok := byName[seq.Name]; ok {
			seq.ID = current.ID
			seq.CreatedAt = current.CreatedAt
			if err := i.sequences.Update(ctx, seq); err != nil {
				return result, fmt.Errorf("update sequence %q: %w", seq.Name, err)
			}
			result.Updated = append(result.Updated, seq.Name)
			log.Info().Str("tenant_id", tenantID).Str("sequence", seq.Name).Msg("sequence updated")
			continue
		}

		if err := i.sequences.Create(ctx, seq); err != nil {
			return result, fmt.Errorf("create sequence %q: %w", seq.Name, err)
		}
		byName[seq.Name] = seq
		result.Created = append(result.Created, seq.Name)
		log.Info().Str("tenant_id", tenantID).Str("sequence", seq.Name).Msg("sequence created")
	}

	return result, nil
}

func (i *Importer) templateLookup(ctx context.Context, tenantID string, result *ImportResult) (TemplateLookup, error) {
	stored, err := i.templates.List(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]string, len(stored))
	for _, t := range stored {
		ids[t.Name] = t.ID
	}

	var builtins map[string]*models.Template

	return func(name string) (string, error) {
		if id, ok := ids[name]; ok {
			return id, nil
		}
		if builtins == nil {
			loaded, err := templates.LoadBuiltinTemplates()
			if err != nil {
				return "", err
			}
			builtins = make(map[string]*models.Template, len(loaded))
			for _, t := range loaded {
				builtins[t.Name] = t
			}
		}
		src, ok := builtins[name]
		if !ok {
			return "", fmt.Errorf("template %q not found", name)
		}
		tmpl := *src
		tmpl.ID = ""
		tmpl.TenantID = tenantID
		if err := i.templates.Create(ctx, &tmpl); err != nil {
			return "", fmt.Errorf("seed template %q: %w", name, err)
		}
		ids[name] = tmpl.ID
		result.Templates = append(result.Templates, name)
		return tmpl.ID, nil
	}, nil
}
