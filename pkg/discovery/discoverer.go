package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/vango-dev/datarouter/pkg/route"
	"github.com/vango-dev/datarouter/pkg/router"
)

// DefaultIndex is the index file name read from the source.
const DefaultIndex = "index.yaml"

// Discoverer patches manifest subtrees into a router as locations reach
// their prefixes. Decoded files are cached for the Discoverer's lifetime.
type Discoverer struct {
	source    Source
	registry  *Registry
	indexName string
	logger    *slog.Logger

	loads singleflight.Group

	mu        sync.Mutex
	index     *Index
	manifests map[string]*Manifest
}

// Option configures a Discoverer.
type Option func(*Discoverer)

// WithIndex reads the index from name instead of DefaultIndex.
func WithIndex(name string) Option {
	return func(d *Discoverer) {
		d.indexName = name
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(d *Discoverer) {
		d.logger = logger
	}
}

// New creates a Discoverer reading from source and binding handlers from
// registry.
func New(source Source, registry *Registry, opts ...Option) *Discoverer {
	d := &Discoverer{
		source:    source,
		registry:  registry,
		indexName: DefaultIndex,
		logger:    slog.Default(),
		manifests: make(map[string]*Manifest),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "discovery")
	return d
}

// Discover implements router.DiscoverFunc. Every index entry covering
// args.Path is patched under its parent. Entries whose parent is not in the
// tree yet are skipped; the router calls Discover again after a round that
// changed the tree, so nested manifests land once their parent exists.
func (d *Discoverer) Discover(ctx context.Context, args router.DiscoverArgs) error {
	idx, err := d.Index(ctx)
	if err != nil {
		return err
	}
	for _, entry := range idx.Manifests {
		if !entry.Covers(args.Path) {
			continue
		}
		routes, err := d.Routes(ctx, entry.File)
		if err != nil {
			return err
		}
		if err := args.Patch(entry.Parent, routes); err != nil {
			if errors.Is(err, route.ErrInvalidPatchAnchor) {
				d.logger.Debug("parent not in tree yet", "file", entry.File, "parent", entry.Parent)
				continue
			}
			return fmt.Errorf("discovery: patch %q under %q: %w", entry.File, entry.Parent, err)
		}
		d.logger.Debug("patched manifest", "file", entry.File, "parent", entry.Parent, "path", args.Path)
	}
	return nil
}

// Index returns the decoded index, reading it on first use.
func (d *Discoverer) Index(ctx context.Context) (*Index, error) {
	d.mu.Lock()
	idx := d.index
	d.mu.Unlock()
	if idx != nil {
		return idx, nil
	}

	v, err, _ := d.loads.Do("\x00index", func() (any, error) {
		data, err := d.source.Open(ctx, d.indexName)
		if err != nil {
			return nil, fmt.Errorf("discovery: read index: %w", err)
		}
		var idx Index
		if err := Decode(d.indexName, data, &idx); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.index = &idx
		d.mu.Unlock()
		return &idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

// Manifest returns the decoded manifest file name, reading it on first use.
func (d *Discoverer) Manifest(ctx context.Context, name string) (*Manifest, error) {
	d.mu.Lock()
	m, ok := d.manifests[name]
	d.mu.Unlock()
	if ok {
		return m, nil
	}

	v, err, _ := d.loads.Do(name, func() (any, error) {
		data, err := d.source.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("discovery: read manifest: %w", err)
		}
		var m Manifest
		if err := Decode(name, data, &m); err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.manifests[name] = &m
		d.mu.Unlock()
		d.logger.Debug("loaded manifest", "file", name, "routes", len(m.Routes))
		return &m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Manifest), nil
}

// Routes returns fresh route definitions built from manifest file name.
func (d *Discoverer) Routes(ctx context.Context, name string) ([]*route.Route, error) {
	m, err := d.Manifest(ctx, name)
	if err != nil {
		return nil, err
	}
	routes, err := d.registry.Build(m.Routes)
	if err != nil {
		return nil, fmt.Errorf("discovery: %q: %w", name, err)
	}
	return routes, nil
}
