// Package knowledge holds the facts the assistant is allowed to talk about.
// A Bundle is loaded once at startup and treated as read-only afterwards.
package knowledge

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxBundleSize caps the size of a bundle file or object.
const MaxBundleSize = 1 << 20

//go:embed default.json
var defaultBundle []byte

type Project struct {
	Name         string   `json:"name" yaml:"name"`
	Technologies []string `json:"technologies" yaml:"technologies"`
	Description  string   `json:"description" yaml:"description"`
	GithubLink   string   `json:"github_link,omitempty" yaml:"github_link,omitempty"`
	LiveAppLink  string   `json:"live_app_link,omitempty" yaml:"live_app_link,omitempty"`
}

type Experience struct {
	Company     string   `json:"company" yaml:"company"`
	Duration    string   `json:"duration" yaml:"duration"`
	Roles       []string `json:"roles" yaml:"roles"`
	Tags        []string `json:"tags,omitempty" yaml:"tags,omitempty"`
	Description string   `json:"description" yaml:"description"`
	Website     string   `json:"website,omitempty" yaml:"website,omitempty"`
}

type Social struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

type FAQItem struct {
	Question string `json:"question" yaml:"question"`
	Answer   string `json:"answer" yaml:"answer"`
}

// Bundle is the structured knowledge injected into the system prompt.
type Bundle struct {
	ExperienceSummary string       `json:"experience_summary,omitempty" yaml:"experience_summary,omitempty"`
	Projects          []Project    `json:"projects" yaml:"projects"`
	Experiences       []Experience `json:"experiences" yaml:"experiences"`
	Socials           []Social     `json:"socials" yaml:"socials"`
	FAQ               []FAQItem    `json:"faq" yaml:"faq"`
	Interests         []string     `json:"interests,omitempty" yaml:"interests,omitempty"`
}

// Format identifies a bundle encoding.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatFor picks the encoding from a file or object name.
func FormatFor(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Default returns the bundle compiled into the binary.
func Default() *Bundle {
	b, err := Parse(defaultBundle, FormatJSON)
	if err != nil {
		panic(fmt.Sprintf("knowledge: embedded bundle is invalid: %v", err))
	}
	return b
}

// Parse decodes and validates a bundle.
func Parse(data []byte, format Format) (*Bundle, error) {
	var b Bundle
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &b)
	default:
		err = json.Unmarshal(data, &b)
	}
	if err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// LoadFile reads a JSON or YAML bundle from disk.
func LoadFile(path string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() > MaxBundleSize {
		return nil, fmt.Errorf("bundle %s too large (%d bytes)", path, info.Size())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data, FormatFor(path))
}

// Validate checks that every named entry has a name and every link is an
// absolute http(s) URL, so the prompt never carries a malformed link.
func (b *Bundle) Validate() error {
	for i, p := range b.Projects {
		if strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("project %d: name is required", i)
		}
		if err := checkLink(p.GithubLink); err != nil {
			return fmt.Errorf("project %q github_link: %w", p.Name, err)
		}
		if err := checkLink(p.LiveAppLink); err != nil {
			return fmt.Errorf("project %q live_app_link: %w", p.Name, err)
		}
	}
	for i, e := range b.Experiences {
		if strings.TrimSpace(e.Company) == "" {
			return fmt.Errorf("experience %d: company is required", i)
		}
		if err := checkLink(e.Website); err != nil {
			return fmt.Errorf("experience %q website: %w", e.Company, err)
		}
	}
	for i, s := range b.Socials {
		if s.URL == "" {
			return fmt.Errorf("social %d: url is required", i)
		}
		if err := checkLink(s.URL); err != nil {
			return fmt.Errorf("social %q: %w", s.Name, err)
		}
	}
	return nil
}

func checkLink(raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}

// ProjectNames lists project names in bundle order.
func (b *Bundle) ProjectNames() []string {
	names := make([]string, len(b.Projects))
	for i, p := range b.Projects {
		names[i] = p.Name
	}
	return names
}

// CompanyNames lists employer names in bundle order.
func (b *Bundle) CompanyNames() []string {
	names := make([]string, len(b.Experiences))
	for i, e := range b.Experiences {
		names[i] = e.Company
	}
	return names
}
