// Package resources keeps live, watch-backed collections of cluster objects.
package resources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/watch"
	crclient "sigs.k8s.io/controller-runtime/pkg/client"
	crlog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/xdavidwu/sparkles-sub000/internal/metrics"
	"github.com/xdavidwu/sparkles-sub000/pkg/fault"
	"github.com/xdavidwu/sparkles-sub000/pkg/watchstream"
)

// State is the synchronization state of a Collection.
type State int

const (
	Uninitialized State = iota
	Listing
	Watching
	// Failed means the session ended with an error; see Collection.Err.
	Failed
	// Stopped means the owning context ended.
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "Uninitialized"
	case Listing:
		return "Listing"
	case Watching:
		return "Watching"
	case Failed:
		return "Failed"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Lister lists objects; a controller-runtime client.Reader satisfies it.
type Lister interface {
	List(ctx context.Context, list crclient.ObjectList, opts ...crclient.ListOption) error
}

// Watcher opens a raw watch stream.
type Watcher interface {
	WatchRaw(ctx context.Context, gvr schema.GroupVersionResource, namespace, resourceVersion string) (io.ReadCloser, error)
}

// Option configures a Collection.
type Option func(*options)

type options struct {
	name string
	errs *fault.Slot
}

// WithName sets the name used in logs and metrics (default: the resource).
func WithName(name string) Option { return func(o *options) { o.name = name } }

// WithErrorSlot reports session failures to slot.
func WithErrorSlot(slot *fault.Slot) Option { return func(o *options) { o.errs = slot } }

// Collection is a list of objects kept current by one background list+watch
// session. Reads are synchronous snapshots; Start begins synchronization.
//
// Objects handed out are shared and must not be modified. Events replace
// them rather than mutate them.
type Collection[T any, PT interface {
	*T
	crclient.Object
}] struct {
	name      string
	gvr       schema.GroupVersionResource
	namespace string
	lister    Lister
	watcher   Watcher
	newList   func() crclient.ObjectList
	errs      *fault.Slot

	mu       sync.Mutex
	state    State
	items    []PT
	selected crclient.ObjectKey
	hasSel   bool
	rv       string
	pending  bool
	err      error
	synced   chan struct{}
	done     chan struct{}
	subs     map[chan struct{}]struct{}
}

// New returns an unstarted collection of gvr objects in namespace (empty for
// all namespaces or cluster-scoped resources). newList returns an empty list
// object of the matching kind.
func New[T any, PT interface {
	*T
	crclient.Object
}](lister Lister, watcher Watcher, gvr schema.GroupVersionResource, namespace string, newList func() crclient.ObjectList, opts ...Option) *Collection[T, PT] {
	o := &options{name: gvr.Resource}
	for _, fn := range opts {
		fn(o)
	}
	return &Collection[T, PT]{
		name:      o.name,
		gvr:       gvr,
		namespace: namespace,
		lister:    lister,
		watcher:   watcher,
		newList:   newList,
		errs:      o.errs,
		pending:   true,
		synced:    make(chan struct{}),
		done:      make(chan struct{}),
		subs:      map[chan struct{}]struct{}{},
	}
}

// Start begins synchronization bound to ctx. Only the first call starts the
// session; later calls attach to it, whatever its state.
func (c *Collection[T, PT]) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Uninitialized {
		return
	}
	c.state = Listing
	go c.run(ctx, c.synced, c.done)
}

// Restart begins a new session after the previous one failed or stopped.
// Items stay readable until the new list replaces them.
func (c *Collection[T, PT]) Restart(ctx context.Context) error {
	c.mu.Lock()
	if c.state != Failed && c.state != Stopped {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("collection %s: cannot restart while %s", c.name, state)
	}
	c.state = Uninitialized
	c.err = nil
	c.pending = true
	c.synced = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.Start(ctx)
	return nil
}

// Name returns the collection's name.
func (c *Collection[T, PT]) Name() string { return c.name }

// Namespace returns the namespace the collection is restricted to, or empty.
func (c *Collection[T, PT]) Namespace() string { return c.namespace }

// Items returns a snapshot of the objects in order.
func (c *Collection[T, PT]) Items() []PT {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.items)
}

// Selected returns the selected object, if any.
func (c *Collection[T, PT]) Selected() (PT, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasSel {
		return nil, false
	}
	if i := c.indexOf(c.selected); i >= 0 {
		return c.items[i], true
	}
	return nil, false
}

// Select selects the object with key. It reports false and keeps the current
// selection if no such object exists.
func (c *Collection[T, PT]) Select(key crclient.ObjectKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.indexOf(key) < 0 {
		return false
	}
	c.selected, c.hasSel = key, true
	c.notify()
	return true
}

// ResourceVersion returns the cursor of the current session.
func (c *Collection[T, PT]) ResourceVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rv
}

// State returns the synchronization state.
func (c *Collection[T, PT]) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending reports whether the current session has not applied its initial
// list yet.
func (c *Collection[T, PT]) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// Err returns the error that failed the session. Watch session failures wrap
// fault.ErrUpdatesStopped.
func (c *Collection[T, PT]) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Synced is closed once the current session applied its initial list.
func (c *Collection[T, PT]) Synced() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Done is closed when the current session ends.
func (c *Collection[T, PT]) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Subscribe returns a channel that receives a value after changes. Bursts are
// coalesced. Call the returned function to unsubscribe.
func (c *Collection[T, PT]) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	c.mu.Lock()
	c.subs[ch] = struct{}{}
	c.mu.Unlock()
	return ch, func() {
		c.mu.Lock()
		delete(c.subs, ch)
		c.mu.Unlock()
	}
}

func (c *Collection[T, PT]) run(ctx context.Context, synced, done chan struct{}) {
	defer close(done)

	gauge := metrics.CollectionSyncsActive.WithLabelValues(c.name)
	gauge.Inc()
	defer gauge.Dec()

	logger := crlog.FromContext(ctx).WithValues("collection", c.name)
	ctx = crlog.IntoContext(ctx, logger)

	err := c.sync(ctx, synced)

	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx.Err() != nil {
		c.state = Stopped
		logger.V(1).Info("synchronization stopped")
		c.notify()
		return
	}
	c.state = Failed
	c.err = err
	c.notify()
	metrics.CollectionFailuresTotal.WithLabelValues(c.name).Inc()
	logger.Error(err, "synchronization failed")
	if c.errs != nil {
		c.errs.Report(err)
	}
}

func (c *Collection[T, PT]) sync(ctx context.Context, synced chan struct{}) error {
	logger := crlog.FromContext(ctx)

	list := c.newList()
	var opts []crclient.ListOption
	if c.namespace != "" {
		opts = append(opts, crclient.InNamespace(c.namespace))
	}
	if err := c.lister.List(ctx, list, opts...); err != nil {
		if _, classified := fault.KindOf(err); classified {
			return fmt.Errorf("list %s: %w", c.name, err)
		}
		return fault.Transport("list "+c.name, err)
	}
	objs, err := meta.ExtractList(list)
	if err != nil {
		return fault.Protocol("list "+c.name, err)
	}
	items := make([]PT, 0, len(objs))
	for _, obj := range objs {
		item, ok := obj.(PT)
		if !ok {
			return fault.Protocolf("list "+c.name, "unexpected item type %T", obj)
		}
		items = append(items, item)
	}
	c.applyList(items, list.GetResourceVersion())
	close(synced)
	logger.V(1).Info("listed", "items", len(items), "resourceVersion", list.GetResourceVersion())

	body, err := c.watcher.WatchRaw(ctx, c.gvr, c.namespace, list.GetResourceVersion())
	if err != nil {
		return fmt.Errorf("%w: %w", fault.ErrUpdatesStopped, err)
	}
	c.mu.Lock()
	c.state = Watching
	c.notify()
	c.mu.Unlock()

	for evt, err := range watchstream.Decode[T](body) {
		if err != nil {
			return fmt.Errorf("%w: %w", fault.ErrUpdatesStopped, err)
		}
		if err := c.apply(evt); err != nil {
			return fmt.Errorf("%w: %w", fault.ErrUpdatesStopped, err)
		}
	}
	return fmt.Errorf("%w: watch on %s ended", fault.ErrUpdatesStopped, c.name)
}

func (c *Collection[T, PT]) applyList(items []PT, rv string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = items
	c.rv = rv
	c.pending = false
	if !c.hasSel || c.indexOf(c.selected) < 0 {
		c.selectFirst()
	}
	c.notify()
}

func (c *Collection[T, PT]) apply(evt watchstream.Event[T]) error {
	metrics.WatchEventsTotal.WithLabelValues(c.name, string(evt.Type)).Inc()

	if evt.Type == watch.Error {
		return fmt.Errorf("watch %s: %w", c.name, apierrors.FromObject(evt.Status))
	}
	obj := PT(evt.Object)

	c.mu.Lock()
	defer c.mu.Unlock()
	key := crclient.ObjectKeyFromObject(obj)
	switch evt.Type {
	case watch.Added, watch.Modified:
		if i := c.indexOf(key); i >= 0 {
			c.items[i] = obj
		} else {
			c.items = append(c.items, obj)
		}
		if !c.hasSel {
			c.selected, c.hasSel = key, true
		}
	case watch.Deleted:
		if i := c.indexOf(key); i >= 0 {
			c.items = slices.Delete(c.items, i, i+1)
		}
		if c.hasSel && c.selected == key {
			c.selectFirst()
		}
	case watch.Bookmark:
	}
	c.advance(obj.GetResourceVersion())
	c.notify()
	return nil
}

// advance moves the cursor forward. Resource versions are opaque, but when
// both parse as integers a smaller one is never taken.
func (c *Collection[T, PT]) advance(rv string) {
	if rv == "" {
		return
	}
	if next, err := strconv.ParseUint(rv, 10, 64); err == nil {
		if cur, err := strconv.ParseUint(c.rv, 10, 64); err == nil && next < cur {
			return
		}
	}
	c.rv = rv
}

func (c *Collection[T, PT]) selectFirst() {
	if len(c.items) == 0 {
		c.selected, c.hasSel = crclient.ObjectKey{}, false
		return
	}
	c.selected, c.hasSel = crclient.ObjectKeyFromObject(c.items[0]), true
}

func (c *Collection[T, PT]) indexOf(key crclient.ObjectKey) int {
	return slices.IndexFunc(c.items, func(item PT) bool {
		return item.GetName() == key.Name && item.GetNamespace() == key.Namespace
	})
}

func (c *Collection[T, PT]) notify() {
	for ch := range c.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// IsUpdatesStopped reports whether err ended a watch session.
func IsUpdatesStopped(err error) bool { return errors.Is(err, fault.ErrUpdatesStopped) }
