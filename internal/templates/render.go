package templates

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/visionarychurch/followup/internal/models"
)

var (
	// span matches any {{ ... }} placeholder, well formed or not.
	span          = regexp.MustCompile(`\{\{([^{}]*)\}\}`)
	defaultFilter = regexp.MustCompile(`^default\s+"([^"]*)"$`)
)

// parsePlaceholder splits the inside of {{ name | default "fallback" }}.
// ok is false when the name is empty or contains whitespace.
func parsePlaceholder(inner string) (name, fallback string, ok bool) {
	name, filter, hasFilter := strings.Cut(inner, "|")
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, " \t\r\n\"") {
		return "", "", false
	}
	if hasFilter {
		if groups := defaultFilter.FindStringSubmatch(strings.TrimSpace(filter)); groups != nil {
			fallback = groups[1]
		}
	}
	return name, fallback, true
}

// Render substitutes placeholders from vars in a single pass. Unknown keys
// render as the default when one is given and as an empty string otherwise;
// malformed placeholders render empty. Render never fails.
func Render(text string, vars map[string]string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return span.ReplaceAllStringFunc(text, func(match string) string {
		name, fallback, ok := parsePlaceholder(match[2 : len(match)-2])
		if !ok {
			return ""
		}
		if strings.TrimSpace(vars[name]) == "" {
			return fallback
		}
		return vars[name]
	})
}

// Placeholders returns the distinct placeholder names in text, sorted.
func Placeholders(text string) []string {
	seen := map[string]struct{}{}
	for _, groups := range span.FindAllStringSubmatch(text, -1) {
		if name, _, ok := parsePlaceholder(groups[1]); ok {
			seen[name] = struct{}{}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolver picks and renders the content a step sends.
type Resolver struct {
	templates TemplateGetter
}

// NewResolver creates a resolver backed by a template store.
func NewResolver(templates TemplateGetter) *Resolver {
	return &Resolver{templates: templates}
}

// Resolve returns the rendered subject and body for a step. A variant
// override replaces the step's content; otherwise a referenced template
// supplies any part the step leaves empty.
func (r *Resolver) Resolve(ctx context.Context, step models.SequenceStep, variant *models.SequenceVariant, vars map[string]string) (Content, error) {
	subject, body := step.Content.Subject, step.Content.Body

	if step.Content.TemplateID != "" && (subject == "" || body == "") {
		if r.templates == nil {
			return Content{}, fmt.Errorf("step %d references template %s but no template store is configured", step.StepOrder, step.Content.TemplateID)
		}
		tmpl, err := r.templates.Get(ctx, step.Content.TemplateID)
		if err != nil {
			return Content{}, fmt.Errorf("load template %s: %w", step.Content.TemplateID, err)
		}
		if subject == "" {
			subject = tmpl.Subject
		}
		if body == "" {
			body = tmpl.Body
		}
	}

	if override, ok := variant.Override(step.StepOrder); ok {
		if override.Subject != "" {
			subject = override.Subject
		}
		if override.Body != "" {
			body = override.Body
		}
	}

	return Content{
		Subject: Render(subject, vars),
		Body:    Render(body, vars),
	}, nil
}
