package registry

import (
	"fmt"
	"sort"
	"time"
)

// Ceilings bounds what a single execution may consume.
type Ceilings struct {
	Timeout   time.Duration `yaml:"timeout"`
	MemoryMB  int64         `yaml:"memory_mb"`
	CPUShares int64         `yaml:"cpu_shares"` // 1024 = 1 CPU core
	PidsLimit int64         `yaml:"pids_limit"`
}

// Options are caller-supplied overrides. Zero values mean "use the
// language default". Overrides may only tighten the language maximums,
// never loosen them.
type Options struct {
	Timeout   time.Duration `json:"timeout,omitempty"`
	MemoryMB  int64         `json:"memory_mb,omitempty"`
	CPUShares int64         `json:"cpu_shares,omitempty"`
	PidsLimit int64         `json:"pids_limit,omitempty"`
}

// Descriptor describes how one language executes inside the sandbox.
// Descriptors are built once at startup and never mutated.
type Descriptor struct {
	Language        string
	Image           string
	FileExtension   string
	AllowedPackages []string
	Defaults        Ceilings
	Maximums        Ceilings
	MaxSourceBytes  int
	NetworkPolicy   string // always "none" for this system

	command func(codePath string) []string

	allowed map[string]struct{}
}

// Command returns the interpreter argv for code materialized at codePath.
func (d *Descriptor) Command(codePath string) []string {
	return d.command(codePath)
}

// PackageAllowed reports whether a package/module name is on the
// language's allow-list.
func (d *Descriptor) PackageAllowed(name string) bool {
	_, ok := d.allowed[name]
	return ok
}

// Clamp resolves caller options against the descriptor's defaults and
// maximums. Missing values fall back to defaults; supplied values are
// capped at the maximums.
func (d *Descriptor) Clamp(opts Options) Ceilings {
	c := d.Defaults
	if opts.Timeout > 0 {
		c.Timeout = opts.Timeout
	}
	if opts.MemoryMB > 0 {
		c.MemoryMB = opts.MemoryMB
	}
	if opts.CPUShares > 0 {
		c.CPUShares = opts.CPUShares
	}
	if opts.PidsLimit > 0 {
		c.PidsLimit = opts.PidsLimit
	}
	if c.Timeout > d.Maximums.Timeout {
		c.Timeout = d.Maximums.Timeout
	}
	if c.MemoryMB > d.Maximums.MemoryMB {
		c.MemoryMB = d.Maximums.MemoryMB
	}
	if c.CPUShares > d.Maximums.CPUShares {
		c.CPUShares = d.Maximums.CPUShares
	}
	if c.PidsLimit > d.Maximums.PidsLimit {
		c.PidsLimit = d.Maximums.PidsLimit
	}
	return c
}

// Registry maps language names to their sandbox descriptors.
// Read-only after construction; safe for concurrent use without locking.
type Registry struct {
	descriptors map[string]*Descriptor
}

// New creates a registry with all supported languages.
func New() *Registry {
	r := &Registry{descriptors: make(map[string]*Descriptor)}
	r.register(pythonDescriptor())
	r.register(javascriptDescriptor())
	r.register(shellDescriptor())
	return r
}

func (r *Registry) register(d *Descriptor) {
	d.allowed = make(map[string]struct{}, len(d.AllowedPackages))
	for _, p := range d.AllowedPackages {
		d.allowed[p] = struct{}{}
	}
	r.descriptors[d.Language] = d
}

// Get returns the descriptor for the given language.
func (r *Registry) Get(language string) (*Descriptor, error) {
	d, ok := r.descriptors[language]
	if !ok {
		return nil, fmt.Errorf("unsupported language: %q (supported: %v)", language, r.Languages())
	}
	return d, nil
}

// Languages returns all registered language names, sorted.
func (r *Registry) Languages() []string {
	langs := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		langs = append(langs, name)
	}
	sort.Strings(langs)
	return langs
}

// Images returns all container images needed by registered languages.
func (r *Registry) Images() []string {
	images := make([]string, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		images = append(images, d.Image)
	}
	sort.Strings(images)
	return images
}
