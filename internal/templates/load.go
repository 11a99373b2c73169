package templates

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/visionarychurch/followup/internal/models"
)

type templateFile struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Channel     string   `yaml:"channel"`
	Subject     string   `yaml:"subject"`
	Body        string   `yaml:"body"`
	Variables   []string `yaml:"variables,omitempty"`
}

// LoadTemplate reads a single template definition from disk.
func LoadTemplate(path string) (*models.Template, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("template path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template %s: %w", path, err)
	}
	tmpl, err := parseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", path, err)
	}
	return tmpl, nil
}

// LoadTemplatesFromDir loads every .yaml/.yml template in dir. A missing
// directory yields no templates.
func LoadTemplatesFromDir(dir string) ([]*models.Template, error) {
	if strings.TrimSpace(dir) == "" {
		return []*models.Template{}, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*models.Template{}, nil
		}
		return nil, fmt.Errorf("read templates dir %s: %w", dir, err)
	}

	templates := make([]*models.Template, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		tmpl, err := LoadTemplate(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		templates = append(templates, tmpl)
	}

	sort.Slice(templates, func(i, j int) bool {
		return templates[i].Name < templates[j].Name
	})
	return templates, nil
}

func parseTemplate(data []byte) (*models.Template, error) {
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(file.Name)
	if name == "" {
		return nil, fmt.Errorf("template name is required")
	}
	channel := models.StepType(strings.ToLower(strings.TrimSpace(file.Channel)))
	if !channel.Valid() {
		return nil, fmt.Errorf("template %q: unknown channel %q", name, file.Channel)
	}
	if strings.TrimSpace(file.Body) == "" {
		return nil, fmt.Errorf("template %q: body is required", name)
	}

	vars := file.Variables
	if len(vars) == 0 {
		vars = Placeholders(file.Subject + "\n" + file.Body)
	}

	return &models.Template{
		Name:      name,
		Channel:   channel,
		Subject:   strings.TrimSpace(file.Subject),
		Body:      strings.TrimRight(file.Body, "\n"),
		Variables: vars,
	}, nil
}
