// Package config loads and validates the vcs2graph YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"vcs2graph/internal/scope"
)

// ErrConfiguration marks a configuration that cannot drive a run.
var ErrConfiguration = errors.New("configuration error")

// Analyzer types.
const (
	TypeCommand    = "command"
	TypeTreeSitter = "treesitter"
)

// Snapshot formats produced by command analyzers.
const (
	FormatJSON = "json"
	FormatGXL  = "gxl"
)

// DefaultFile is the configuration file looked up by default.
const DefaultFile = "vcs2graph.yaml"

// Duration is a time.Duration written as a Go duration string in YAML.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses strings such as "90s" or "10m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Repository describes the history to crawl.
type Repository struct {
	Name     string `yaml:"name"`
	Path     string `yaml:"path"`
	Language string `yaml:"language,omitempty"`
	From     string `yaml:"from,omitempty"` // first revision, inclusive; empty means the root commit
	To       string `yaml:"to,omitempty"`   // last revision; empty means HEAD
}

// Export configures the files written for visualization consumers.
type Export struct {
	Dir      string `yaml:"dir"`
	Compress bool   `yaml:"compress,omitempty"`
}

// Scope lists the globs covered by the analysis.
type Scope struct {
	Include []string `yaml:"include,omitempty"`
	Exclude []string `yaml:"exclude,omitempty"`
}

// Analyzer is one configured analysis step, run for every revision.
type Analyzer struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type,omitempty"`
	Directory string   `yaml:"directory,omitempty"`
	Command   string   `yaml:"command,omitempty"`
	Output    string   `yaml:"output,omitempty"`
	Format    string   `yaml:"format,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty"`
}

// Config is the full configuration of a run.
type Config struct {
	Repository  Repository        `yaml:"repository"`
	Workdir     string            `yaml:"workdir"`
	State       string            `yaml:"state"`
	Export      Export            `yaml:"export"`
	Scope       Scope             `yaml:"scope,omitempty"`
	Timeout     Duration          `yaml:"timeout"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Analyzers   []Analyzer        `yaml:"analyzers"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		Repository: Repository{Path: "."},
		Workdir:    filepath.Join(".vcs2graph", "worktree"),
		State:      filepath.Join(".vcs2graph", "state.db"),
		Export:     Export{Dir: filepath.Join(".vcs2graph", "export")},
		Timeout:    Duration{10 * time.Minute},
	}
}

// Load reads the configuration at path. Relative paths inside the file are
// taken relative to the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfiguration, path, err)
	}
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	cfg.resolve(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes and validates configuration data.
func Parse(data []byte) (*Config, error) {
	cfg, err := decode(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing: %v", ErrConfiguration, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	for i := range c.Analyzers {
		a := &c.Analyzers[i]
		if a.Type == "" {
			a.Type = TypeCommand
		}
		if a.Type == TypeCommand && a.Format == "" {
			a.Format = FormatJSON
		}
		if a.Name == "" {
			a.Name = fmt.Sprintf("%s-%d", a.Type, i)
		}
		if a.Timeout.Duration == 0 {
			a.Timeout = c.Timeout
		}
	}
}

func (c *Config) resolve(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.Repository.Path = abs(c.Repository.Path)
	c.Workdir = abs(c.Workdir)
	c.State = abs(c.State)
	c.Export.Dir = abs(c.Export.Dir)
}

// Validate reports every problem that would make a run fail before it
// processes any revision.
func (c *Config) Validate() error {
	var errs []error
	if c.Repository.Path == "" {
		errs = append(errs, errors.New("repository.path is required"))
	}
	if c.State == "" {
		errs = append(errs, errors.New("state is required"))
	}
	if c.Workdir == "" {
		errs = append(errs, errors.New("workdir is required"))
	} else {
		errs = append(errs, c.checkWorkdir()...)
	}
	if c.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	if len(c.Analyzers) == 0 {
		errs = append(errs, errors.New("at least one analyzer is required"))
	}
	names := make(map[string]bool)
	for i, a := range c.Analyzers {
		if names[a.Name] {
			errs = append(errs, fmt.Errorf("analyzers[%d]: duplicate name %q", i, a.Name))
		}
		names[a.Name] = true
		switch a.Type {
		case TypeCommand:
			if a.Command == "" {
				errs = append(errs, fmt.Errorf("analyzers[%d] (%s): command is required", i, a.Name))
			}
			if a.Format != FormatJSON && a.Format != FormatGXL {
				errs = append(errs, fmt.Errorf("analyzers[%d] (%s): unknown format %q", i, a.Name, a.Format))
			}
		case TypeTreeSitter:
		default:
			errs = append(errs, fmt.Errorf("analyzers[%d] (%s): unknown type %q", i, a.Name, a.Type))
		}
		if a.Timeout.Duration < 0 {
			errs = append(errs, fmt.Errorf("analyzers[%d] (%s): negative timeout", i, a.Name))
		}
	}
	if _, err := c.ScopeMatcher(); err != nil {
		errs = append(errs, fmt.Errorf("scope: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// checkWorkdir rejects a workdir whose removal before each revision would
// take the repository, its history, the state or the export with it.
func (c *Config) checkWorkdir() []error {
	workdir := absPath(c.Workdir)
	var errs []error
	if c.Repository.Path != "" {
		repo := absPath(c.Repository.Path)
		switch {
		case within(workdir, repo):
			errs = append(errs, fmt.Errorf("workdir %s contains repository.path %s", c.Workdir, c.Repository.Path))
		case within(filepath.Join(repo, ".git"), workdir):
			errs = append(errs, fmt.Errorf("workdir %s is inside the repository's .git directory", c.Workdir))
		}
	}
	for _, other := range []struct{ key, path string }{
		{"state", c.State},
		{"export.dir", c.Export.Dir},
	} {
		if other.path != "" && within(workdir, absPath(other.path)) {
			errs = append(errs, fmt.Errorf("workdir %s contains %s %s", c.Workdir, other.key, other.path))
		}
	}
	return errs
}

func absPath(p string) string {
	abs, err := filepath.Abs(p)
	if err != nil {
		return filepath.Clean(p)
	}
	return abs
}

// within reports whether path is dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ScopeMatcher builds the analyzed scope: the configured include globs, or
// the analyzer directories when no include glob is given.
func (c *Config) ScopeMatcher() (*scope.Matcher, error) {
	if len(c.Scope.Include) > 0 {
		return scope.New(c.Scope.Include, c.Scope.Exclude)
	}
	dirs := make([]string, 0, len(c.Analyzers))
	for _, a := range c.Analyzers {
		dirs = append(dirs, a.Directory)
	}
	return scope.ForDirectories(dirs, c.Scope.Exclude)
}

// Template is the commented configuration written by "vcs2graph init".
const Template = `# vcs2graph configuration
#
# Every revision of the repository is checked out into workdir, the analyzers
# below run against it in order, and their snapshots are merged into the
# evolution graph kept in state.

repository:
  name: %s
  path: %s
  # from: v1.0        # first revision to process (default: root commit)
  # to: main          # last revision to process (default: HEAD)

workdir: .vcs2graph/worktree
state: .vcs2graph/state.db

export:
  dir: .vcs2graph/export
  compress: false

# Paths covered by the analysis. Elements outside the scope are never
# deleted for being missing from a snapshot. Defaults to the analyzer
# directories.
# scope:
#   include: ["src/**"]
#   exclude: ["src/generated/**"]

# Default per-command timeout. A timed out analysis skips the revision.
timeout: 10m

# Extra environment for analyzer commands.
# environment:
#   BAUHAUS: /opt/bauhaus/bin

analyzers:
  - name: symbols
    type: treesitter
  # - name: bauhaus
  #   directory: src
  #   command: cpfcsv2rfg ... && rfgexport -o GXL graph.rfg "$VCS2GRAPH_OUTPUT"
  #   format: gxl
  #   timeout: 30m
`
