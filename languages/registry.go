package languages

import (
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed languages.yaml
var builtinTable []byte

// ErrNotFound is returned by Lookup for identifiers missing from the table.
var ErrNotFound = errors.New("language not found")

// Command is one invocation inside the working directory. Exactly one of
// Argv or Shell is set.
type Command struct {
	Argv  []string `yaml:"argv"`
	Shell string   `yaml:"shell"`
}

// Args returns the argv to execute. Shell commands are wrapped in sh -c.
func (c Command) Args() []string {
	if c.Shell != "" {
		return []string{"sh", "-c", c.Shell}
	}
	return slices.Clone(c.Argv)
}

// Program returns the executable that must exist for the command to run.
func (c Command) Program() string {
	if c.Shell != "" {
		return "sh"
	}
	if len(c.Argv) == 0 {
		return ""
	}
	return c.Argv[0]
}

func (c Command) String() string {
	return strings.Join(c.Args(), " ")
}

// File is an auxiliary scaffold file shipped next to the source.
type File struct {
	Name    string `yaml:"name"`
	Content string `yaml:"content"`
	Mode    int64  `yaml:"mode"`
}

// Limits are the default resource ceilings for one sandbox.
type Limits struct {
	MemoryMB int64   `yaml:"memory_mb"`
	CPUs     float64 `yaml:"cpus"`
	Pids     int64   `yaml:"pids"`
	NoFile   int64   `yaml:"nofile"`
}

// Descriptor describes how to build and run code for one language.
// A Registry hands out copies, so callers may modify what they receive.
type Descriptor struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Aliases     []string          `yaml:"aliases"`
	Extension   string            `yaml:"extension"`
	Category    string            `yaml:"category"`
	Description string            `yaml:"description"`
	Runnable    bool              `yaml:"runnable"`
	Image       string            `yaml:"image"`
	User        string            `yaml:"user"`
	CapAdd      []string          `yaml:"cap_add"`
	Filename    string            `yaml:"filename"`
	Scaffold    []File            `yaml:"scaffold"`
	Compile     *Command          `yaml:"compile"`
	Run         Command           `yaml:"run"`
	Env         map[string]string `yaml:"env"`
	Limits      Limits            `yaml:"limits"`
	TimeoutMs   int64             `yaml:"timeout_ms"`
}

// Timeout returns the default wall-clock limit of the run step.
func (d *Descriptor) Timeout() time.Duration {
	return time.Duration(d.TimeoutMs) * time.Millisecond
}

// Clone returns a deep copy of d.
func (d *Descriptor) Clone() *Descriptor {
	c := *d
	c.Aliases = slices.Clone(d.Aliases)
	c.CapAdd = slices.Clone(d.CapAdd)
	c.Scaffold = slices.Clone(d.Scaffold)
	c.Env = maps.Clone(d.Env)
	c.Run.Argv = slices.Clone(d.Run.Argv)
	if d.Compile != nil {
		compile := *d.Compile
		compile.Argv = slices.Clone(d.Compile.Argv)
		c.Compile = &compile
	}
	return &c
}

// Environ returns the descriptor environment as sorted KEY=VALUE pairs.
func (d *Descriptor) Environ() []string {
	keys := slices.Sorted(maps.Keys(d.Env))
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+d.Env[k])
	}
	return env
}

// Info is the public listing entry for a language.
type Info struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Extension   string `json:"extension"`
	Runnable    bool   `json:"runnable"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// Override replaces deployment-specific fields of a built-in entry.
type Override struct {
	Image       string
	Environment map[string]string
}

// Registry is an immutable lookup table of language descriptors. Its
// entries are never exposed directly.
type Registry struct {
	ordered []*Descriptor
	byID    map[string]*Descriptor
}

type table struct {
	Languages []*Descriptor `yaml:"languages"`
}

var defaultRegistry = sync.OnceValue(func() *Registry {
	reg, err := New(nil)
	if err != nil {
		panic(fmt.Sprintf("languages: built-in table is invalid: %v", err))
	}
	return reg
})

// Default returns the registry built from the embedded table without overrides.
func Default() *Registry {
	return defaultRegistry()
}

// New builds a registry from the embedded table, applying overrides keyed by
// language id. Overrides for unknown ids are rejected.
func New(overrides map[string]Override) (*Registry, error) {
	return parse(builtinTable, overrides)
}

func parse(data []byte, overrides map[string]Override) (*Registry, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode language table: %w", err)
	}

	reg := &Registry{
		ordered: make([]*Descriptor, 0, len(t.Languages)),
		byID:    make(map[string]*Descriptor, len(t.Languages)),
	}

	for _, desc := range t.Languages {
		if desc == nil {
			continue
		}
		desc.ID = strings.ToLower(strings.TrimSpace(desc.ID))
		if err := validate(desc); err != nil {
			return nil, err
		}

		keys := append([]string{desc.ID}, desc.Aliases...)
		for _, key := range keys {
			key = strings.ToLower(key)
			if _, exists := reg.byID[key]; exists {
				return nil, fmt.Errorf("duplicate language identifier %q", key)
			}
			reg.byID[key] = desc
		}
		reg.ordered = append(reg.ordered, desc)
	}

	for id, o := range overrides {
		desc, ok := reg.byID[strings.ToLower(id)]
		if !ok {
			return nil, fmt.Errorf("override for unknown language %q", id)
		}
		if o.Image != "" {
			desc.Image = o.Image
		}
		if len(o.Environment) > 0 {
			env := maps.Clone(desc.Env)
			if env == nil {
				env = make(map[string]string, len(o.Environment))
			}
			maps.Copy(env, o.Environment)
			desc.Env = env
		}
	}

	return reg, nil
}

func validate(d *Descriptor) error {
	if d.ID == "" {
		return errors.New("language entry missing id")
	}
	if d.Name == "" {
		return fmt.Errorf("language %q missing name", d.ID)
	}
	if !d.Runnable {
		return nil
	}
	if d.Image == "" {
		return fmt.Errorf("language %q missing image", d.ID)
	}
	if d.Run.Program() == "" {
		return fmt.Errorf("language %q missing run command", d.ID)
	}
	if d.Compile != nil && d.Compile.Program() == "" {
		return fmt.Errorf("language %q has an empty compile command", d.ID)
	}
	if d.TimeoutMs <= 0 {
		return fmt.Errorf("language %q timeout_ms must be positive", d.ID)
	}
	names := []string{d.Filename}
	for _, f := range d.Scaffold {
		names = append(names, f.Name)
	}
	for _, name := range names {
		if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			return fmt.Errorf("language %q has invalid filename %q", d.ID, name)
		}
	}
	return nil
}

// Lookup resolves an id or alias, case-insensitively, and returns a copy of
// its descriptor.
func (r *Registry) Lookup(id string) (*Descriptor, error) {
	desc, ok := r.byID[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return desc.Clone(), nil
}

// List returns every language in table order.
func (r *Registry) List() []Info {
	out := make([]Info, 0, len(r.ordered))
	for _, d := range r.ordered {
		out = append(out, Info{
			ID:          d.ID,
			Name:        d.Name,
			Extension:   d.Extension,
			Runnable:    d.Runnable,
			Category:    d.Category,
			Description: d.Description,
		})
	}
	return out
}

// Runnable returns copies of the descriptors that can be executed, in table
// order.
func (r *Registry) Runnable() []*Descriptor {
	out := make([]*Descriptor, 0, len(r.ordered))
	for _, d := range r.ordered {
		if d.Runnable {
			out = append(out, d.Clone())
		}
	}
	return out
}
