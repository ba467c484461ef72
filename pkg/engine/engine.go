// Package engine ties one cluster session together: the API client,
// discovery, authorization, and live collections, with an explicit lifecycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/runtime/schema"
	crclient "sigs.k8s.io/controller-runtime/pkg/client"
	crlog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/xdavidwu/sparkles-sub000/internal/cluster"
	"github.com/xdavidwu/sparkles-sub000/internal/flight"
	"github.com/xdavidwu/sparkles-sub000/pkg/authz"
	"github.com/xdavidwu/sparkles-sub000/pkg/discovery"
	"github.com/xdavidwu/sparkles-sub000/pkg/fault"
	"github.com/xdavidwu/sparkles-sub000/pkg/kubeconfig"
	"github.com/xdavidwu/sparkles-sub000/pkg/resources"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger           logr.Logger
	bookmarks        bool
	discoveryTimeout time.Duration
	clusterOpts      []cluster.Option
}

// WithLogger sets the logger of background work (default: the global
// controller-runtime logger).
func WithLogger(l logr.Logger) Option { return func(o *options) { o.logger = l } }

// WithWatchBookmarks asks for BOOKMARK events on watches (default true).
func WithWatchBookmarks(enabled bool) Option { return func(o *options) { o.bookmarks = enabled } }

// WithDiscoveryTimeout bounds each discovery fetch.
func WithDiscoveryTimeout(d time.Duration) Option {
	return func(o *options) { o.discoveryTimeout = d }
}

// WithClusterOptions passes options to the API client.
func WithClusterOptions(opts ...cluster.Option) Option {
	return func(o *options) { o.clusterOpts = append(o.clusterOpts, opts...) }
}

type collectionKey struct {
	gvr       schema.GroupVersionResource
	namespace string
}

// Engine is one session against one cluster. Everything it caches lives
// until Close; nothing is shared between engines.
type Engine struct {
	provider  kubeconfig.Provider
	client    *cluster.Client
	discovery *discovery.Cache
	authz     *authz.Evaluator
	errs      *fault.Slot

	ctx    context.Context
	cancel context.CancelFunc

	reader      flight.Memo[crclient.Reader]
	namespaces  *resources.Namespaces
	mu          sync.Mutex
	collections map[collectionKey]*resources.Objects
}

// New connects a session using provider's configuration. No request is made
// until a component is used; every request then takes its credentials from
// the provider.
func New(provider kubeconfig.Provider, opts ...Option) (*Engine, error) {
	o := &options{logger: crlog.Log.WithName("engine"), bookmarks: true}
	for _, fn := range opts {
		fn(o)
	}

	cfg, err := provider.Config()
	if err != nil {
		return nil, err
	}
	wrapWithProvider(cfg, provider)
	client, err := cluster.New(cfg, append([]cluster.Option{cluster.WithWatchBookmarks(o.bookmarks)}, o.clusterOpts...)...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctx = crlog.IntoContext(ctx, o.logger.WithValues("host", client.Host()))

	e := &Engine{
		provider:    provider,
		client:      client,
		errs:        fault.NewSlot(),
		ctx:         ctx,
		cancel:      cancel,
		collections: map[collectionKey]*resources.Objects{},
	}
	e.discovery = discovery.New(client, discovery.WithErrorSlot(e.errs), discovery.WithTimeout(o.discoveryTimeout))
	e.authz = authz.New(client.Authorization())
	e.namespaces = resources.NewNamespaces(e, client, resources.WithErrorSlot(e.errs))
	return e, nil
}

// Context returns the session context. It carries the session logger and
// ends on Close.
func (e *Engine) Context() context.Context { return e.ctx }

// Host returns the API server address.
func (e *Engine) Host() string { return e.client.Host() }

// Namespace returns the default namespace of the session's context.
func (e *Engine) Namespace() string { return e.provider.Namespace() }

// Discovery returns the session's discovery cache.
func (e *Engine) Discovery() *discovery.Cache { return e.discovery }

// Authorization returns the session's authorization evaluator.
func (e *Engine) Authorization() *authz.Evaluator { return e.authz }

// Errors returns the slot unrecoverable background failures are reported to.
func (e *Engine) Errors() *fault.Slot { return e.errs }

// Namespaces returns the namespace collection, starting its synchronization
// on first use.
func (e *Engine) Namespaces() *resources.Namespaces {
	e.namespaces.Start(e.ctx)
	return e.namespaces
}

// Collection returns the live collection of gvk objects in namespace, starting
// it on first use. The namespace is ignored for cluster-scoped kinds.
func (e *Engine) Collection(ctx context.Context, gvk schema.GroupVersionKind, namespace string) (*resources.Objects, error) {
	mapper, err := e.discovery.RESTMapper(ctx)
	if err != nil {
		return nil, err
	}
	mapping, err := mapper.RESTMapping(gvk.GroupKind(), gvk.Version)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", gvk, err)
	}

	c := resources.NewForMapping(e, e.client, mapping, namespace, resources.WithErrorSlot(e.errs))
	key := collectionKey{gvr: mapping.Resource, namespace: c.Namespace()}

	e.mu.Lock()
	if existing, ok := e.collections[key]; ok {
		c = existing
	} else {
		e.collections[key] = c
	}
	e.mu.Unlock()

	c.Start(e.ctx)
	return c, nil
}

// List lists through a controller-runtime reader mapped by discovery. It is
// the list half of every collection the engine builds.
func (e *Engine) List(ctx context.Context, list crclient.ObjectList, opts ...crclient.ListOption) error {
	reader, err := e.reader.Do(ctx, "", func(ctx context.Context) (crclient.Reader, error) {
		mapper, err := e.discovery.RESTMapper(ctx)
		if err != nil {
			return nil, err
		}
		return e.client.NewReader(mapper)
	})
	if err != nil {
		return err
	}
	return reader.List(ctx, list, opts...)
}

// Reset drops discovery and everything derived from it, so a session whose
// discovery failed can try again. Running collections are not affected.
func (e *Engine) Reset() {
	e.discovery.Reset()
	e.reader.Reset()
}

// Close ends every background task of the session.
func (e *Engine) Close() {
	e.cancel()
}
