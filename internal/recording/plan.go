package recording

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrInvalidPlan = errors.New("invalid recording plan")

var pageNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Page is one URL to record.
type Page struct {
	Name         string `yaml:"name" json:"name"`
	URL          string `yaml:"url" json:"url"`
	DisableCache bool   `yaml:"disable_cache" json:"disable_cache"`
}

type DevToolsEndpoint struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Plan lists the pages to record and where the artifacts go.
type Plan struct {
	Output     string           `yaml:"output"`
	DevTools   DevToolsEndpoint `yaml:"devtools"`
	Categories []string         `yaml:"categories"`
	Pages      []Page           `yaml:"pages"`
}

// LoadPlan reads and validates a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

func ParsePlan(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

func (p *Plan) Validate() error {
	if len(p.Pages) == 0 {
		return fmt.Errorf("%w: no pages", ErrInvalidPlan)
	}
	if p.DevTools.Port < 0 || p.DevTools.Port > 65535 {
		return fmt.Errorf("%w: devtools port %d out of range", ErrInvalidPlan, p.DevTools.Port)
	}
	seen := make(map[string]bool, len(p.Pages))
	for i, page := range p.Pages {
		if !pageNamePattern.MatchString(page.Name) {
			return fmt.Errorf("%w: page %d has invalid name %q", ErrInvalidPlan, i, page.Name)
		}
		if seen[page.Name] {
			return fmt.Errorf("%w: duplicate page %q", ErrInvalidPlan, page.Name)
		}
		seen[page.Name] = true
		if strings.TrimSpace(page.URL) == "" {
			return fmt.Errorf("%w: page %q has no url", ErrInvalidPlan, page.Name)
		}
	}
	return nil
}
