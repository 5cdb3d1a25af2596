// Package scenario loads harness scenarios from YAML definition files.
//
// A file holds either one scenario at the top level or a list under
// "scenarios". Steps default to required; selectors may be a single string
// or a list in priority order.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kuitang/sitecheck/internal/errs"
	"github.com/kuitang/sitecheck/internal/harness"
)

// File is the on-disk layout.
type File struct {
	Scenarios  []Definition `yaml:"scenarios,omitempty"`
	Definition `yaml:",inline"`
}

// Definition is one scenario as written in YAML.
type Definition struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
	Skip    string   `yaml:"skip,omitempty"`
	Tags    []string `yaml:"tags,omitempty"`
	// Auth uses the credential configured for the run.
	Auth    bool             `yaml:"auth,omitempty"`
	Session *SessionDef      `yaml:"session,omitempty"`
	Steps   []StepDefinition `yaml:"steps"`
}

// SessionDef is an inline credential. Values go through os.ExpandEnv so
// secrets can stay in the environment.
type SessionDef struct {
	Cookie string `yaml:"cookie"`
	Value  string `yaml:"value"`
	Domain string `yaml:"domain,omitempty"`
	Path   string `yaml:"path,omitempty"`
}

// StepDefinition is one step as written in YAML.
type StepDefinition struct {
	Name          string          `yaml:"name,omitempty"`
	Selectors     StringList      `yaml:"selectors,omitempty"`
	Action        string          `yaml:"action"`
	Value         string          `yaml:"value,omitempty"`
	Match         string          `yaml:"match,omitempty"`
	CaseSensitive bool            `yaml:"case_sensitive,omitempty"`
	Required      *bool           `yaml:"required,omitempty"`
	Timeout       Duration        `yaml:"timeout,omitempty"`
	MinWidth      float64         `yaml:"min_width,omitempty"`
	MinHeight     float64         `yaml:"min_height,omitempty"`
	MaxSamples    int             `yaml:"max_samples,omitempty"`
	MaxBroken     int             `yaml:"max_broken,omitempty"`
	MinCount      int             `yaml:"min_count,omitempty"`
	MaxCount      int             `yaml:"max_count,omitempty"`
	Otherwise     *StepDefinition `yaml:"otherwise,omitempty"`
}

// StringList accepts a scalar or a sequence of scalars.
type StringList []string

func (l *StringList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*l = StringList{node.Value}
		return nil
	case yaml.SequenceNode:
		var items []string
		if err := node.Decode(&items); err != nil {
			return err
		}
		*l = items
		return nil
	default:
		return fmt.Errorf("line %d: selectors must be a string or a list of strings", node.Line)
	}
}

// Duration is a time.Duration written as "500ms", "5s" or bare seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	parsed, err := parseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	var secs float64
	if _, err := fmt.Sscanf(s, "%g", &secs); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return 0, fmt.Errorf("invalid duration %q", s)
}

// Options controls how definitions become scenarios.
type Options struct {
	// Credential backs "auth: true" scenarios.
	Credential *harness.SessionCredential
}

// Parse decodes definitions from r. Unknown keys are errors.
func Parse(r io.Reader, source string, opts Options) ([]harness.Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var out []harness.Scenario
	for {
		var f File
		err := dec.Decode(&f)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, fmt.Sprintf("%s: decode", source), err)
		}
		defs := f.Scenarios
		if f.Definition.Name != "" || len(f.Definition.Steps) > 0 {
			defs = append([]Definition{f.Definition}, defs...)
		}
		for i, def := range defs {
			sc, err := def.Build(opts)
			if err != nil {
				return nil, errs.Wrap(errs.InvalidArgument, fmt.Sprintf("%s: scenario %d", source, i+1), err)
			}
			out = append(out, sc)
		}
	}
	return out, nil
}

// Build converts the definition and validates the result.
func (d Definition) Build(opts Options) (harness.Scenario, error) {
	sc := harness.Scenario{
		Name:    strings.TrimSpace(d.Name),
		URL:     os.ExpandEnv(d.URL),
		Timeout: time.Duration(d.Timeout),
		Skip:    d.Skip,
		Tags:    d.Tags,
	}
	switch {
	case d.Session != nil:
		sc.Credential = &harness.SessionCredential{
			CookieName:  os.ExpandEnv(d.Session.Cookie),
			CookieValue: os.ExpandEnv(d.Session.Value),
			Domain:      os.ExpandEnv(d.Session.Domain),
			Path:        d.Session.Path,
		}
	case d.Auth:
		if opts.Credential == nil {
			return sc, fmt.Errorf("scenario %q needs a session credential (set SESSION_COOKIE_NAME and SESSION_COOKIE_VALUE)", sc.Name)
		}
		cred := *opts.Credential
		sc.Credential = &cred
	}
	for i, sd := range d.Steps {
		step, err := sd.build()
		if err != nil {
			return sc, fmt.Errorf("step %d: %w", i+1, err)
		}
		sc.Steps = append(sc.Steps, step)
	}
	if err := sc.Validate(); err != nil {
		return sc, err
	}
	return sc, nil
}

func (sd StepDefinition) build() (harness.Step, error) {
	required := true
	if sd.Required != nil {
		required = *sd.Required
	}
	step := harness.Step{
		Name:     sd.Name,
		Required: required,
		Timeout:  time.Duration(sd.Timeout),
		Action: harness.Action{
			Kind:          harness.ActionKind(strings.ToLower(strings.TrimSpace(sd.Action))),
			Value:         os.ExpandEnv(sd.Value),
			Match:         harness.MatchMode(sd.Match),
			CaseSensitive: sd.CaseSensitive,
			MinWidth:      sd.MinWidth,
			MinHeight:     sd.MinHeight,
			MaxSamples:    sd.MaxSamples,
			MaxBroken:     sd.MaxBroken,
			MinCount:      sd.MinCount,
			MaxCount:      sd.MaxCount,
		},
	}
	if len(sd.Selectors) > 0 {
		set, err := harness.NewSelectorSet(sd.Selectors...)
		if err != nil {
			return step, err
		}
		step.Selectors = set
	}
	if sd.Otherwise != nil {
		fallback, err := sd.Otherwise.build()
		if err != nil {
			return step, fmt.Errorf("otherwise: %w", err)
		}
		step.Otherwise = &fallback
	}
	return step, nil
}

// LoadFile parses one definition file.
func LoadFile(path string, opts Options) ([]harness.Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "read scenario file", err)
	}
	return Parse(bytes.NewReader(data), path, opts)
}

// Load reads every path: files directly, directories recursively for
// *.yaml and *.yml in lexical order. Scenario names must be unique.
func Load(paths []string, opts Options) ([]harness.Scenario, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, "scenario path", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		var found []string
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			ext := strings.ToLower(filepath.Ext(path))
			if !d.IsDir() && (ext == ".yaml" || ext == ".yml") {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, errs.Wrap(errs.InvalidArgument, "scan "+p, err)
		}
		slices.Sort(found)
		files = append(files, found...)
	}

	var all []harness.Scenario
	seen := map[string]string{}
	for _, f := range files {
		scenarios, err := LoadFile(f, opts)
		if err != nil {
			return nil, err
		}
		for _, sc := range scenarios {
			if prev, dup := seen[sc.Name]; dup {
				return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("scenario %q defined in both %s and %s", sc.Name, prev, f))
			}
			seen[sc.Name] = f
			all = append(all, sc)
		}
	}
	return all, nil
}

// Filter keeps scenarios carrying any of tags (all when tags is empty) whose
// name matches pattern (all when pattern is nil).
func Filter(scenarios []harness.Scenario, tags []string, pattern *regexp.Regexp) []harness.Scenario {
	var out []harness.Scenario
	for _, sc := range scenarios {
		if pattern != nil && !pattern.MatchString(sc.Name) {
			continue
		}
		if len(tags) > 0 && !slices.ContainsFunc(sc.Tags, func(tag string) bool { return slices.Contains(tags, tag) }) {
			continue
		}
		out = append(out, sc)
	}
	return out
}
