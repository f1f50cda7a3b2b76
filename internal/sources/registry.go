package sources

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed sources.yaml
var defaultSources []byte

type registryFile struct {
	Sources []Config `yaml:"sources"`
}

// Registry holds the configured sources in file order.
type Registry struct {
	order   []string
	sources map[string]Source
	configs map[string]Config
}

// LoadRegistry reads a YAML registry from path, or the built-in one when
// path is empty.
func LoadRegistry(path string, opts Options) (*Registry, error) {
	data := defaultSources
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read sources file: %w", err)
		}
		data = b
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse sources file: %w", err)
	}
	return NewRegistry(f.Sources, opts)
}

func NewRegistry(cfgs []Config, opts Options) (*Registry, error) {
	r := &Registry{sources: map[string]Source{}, configs: map[string]Config{}}
	for _, cfg := range cfgs {
		if _, dup := r.sources[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate source id %q", cfg.ID)
		}
		src, err := New(cfg, opts)
		if err != nil {
			return nil, err
		}
		r.Add(src, cfg)
	}
	if opts.Logger != nil {
		opts.Logger.Info("sources registered", zap.Strings("ids", r.order))
	}
	return r, nil
}

// Add registers an already built source. cfg supplies its referer and
// image hosts.
func (r *Registry) Add(src Source, cfg Config) {
	id := src.ID()
	if _, ok := r.sources[id]; !ok {
		r.order = append(r.order, id)
	}
	cfg.ID = id
	r.sources[id] = src
	r.configs[id] = cfg
}

// Get returns the source registered under id, or ErrNoSource.
func (r *Registry) Get(id string) (Source, error) {
	src, ok := r.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSource, id)
	}
	return src, nil
}

func (r *Registry) All() []Source {
	out := make([]Source, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sources[id])
	}
	return out
}

func (r *Registry) Configs() []Config {
	out := make([]Config, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.configs[id])
	}
	return out
}

// ForLink returns the source whose site or image hosts serve link.
func (r *Registry) ForLink(link string) (Source, Config, bool) {
	u, err := url.Parse(link)
	if err != nil || u.Hostname() == "" {
		return nil, Config{}, false
	}
	host := hostKey(u.Hostname())
	for _, id := range r.order {
		cfg := r.configs[id]
		if base, err := url.Parse(cfg.BaseURL); err == nil && hostKey(base.Hostname()) == host {
			return r.sources[id], cfg, true
		}
		for _, h := range cfg.ImageHosts {
			if hostKey(h) == host || strings.HasSuffix(host, "."+hostKey(h)) {
				return r.sources[id], cfg, true
			}
		}
	}
	return nil, Config{}, false
}

func hostKey(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "www.")
}
