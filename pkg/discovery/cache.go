// Package discovery fetches and memoizes a cluster's aggregated discovery
// documents and server version.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	apidiscoveryv2 "k8s.io/api/apidiscovery/v2"
	apidiscoveryv2beta1 "k8s.io/api/apidiscovery/v2beta1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/version"
	crlog "sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/xdavidwu/sparkles-sub000/internal/flight"
	"github.com/xdavidwu/sparkles-sub000/internal/metrics"
	"github.com/xdavidwu/sparkles-sub000/pkg/fault"
)

const (
	// AcceptAggregated prefers aggregated discovery v2 and falls back to v2beta1.
	AcceptAggregated = "application/json;g=apidiscovery.k8s.io;v=v2;as=APIGroupDiscoveryList," +
		"application/json;g=apidiscovery.k8s.io;v=v2beta1;as=APIGroupDiscoveryList"

	listKind = "APIGroupDiscoveryList"

	corePath    = "/api"
	groupsPath  = "/apis"
	versionPath = "/version"
)

// Getter issues raw GET requests against the API server.
type Getter interface {
	GetRaw(ctx context.Context, path, accept string) ([]byte, error)
}

// Cache memoizes discovery for one cluster session. The first caller starts
// the fetch; everybody else, concurrent or later, shares its result. A failed
// fetch stays failed until Reset.
type Cache struct {
	client  Getter
	errs    *fault.Slot
	timeout time.Duration

	groups  flight.Memo[[]apidiscoveryv2.APIGroupDiscovery]
	version flight.Memo[*version.Info]
	mapper  flight.Memo[meta.RESTMapper]
}

// Option configures Cache.
type Option func(*Cache)

// WithErrorSlot reports a failed fetch to slot, once per fetch.
func WithErrorSlot(slot *fault.Slot) Option { return func(c *Cache) { c.errs = slot } }

// WithTimeout bounds each fetch. Zero means no bound.
func WithTimeout(d time.Duration) Option { return func(c *Cache) { c.timeout = d } }

// New returns a Cache reading through client.
func New(client Getter, opts ...Option) *Cache {
	c := &Cache{client: client}
	for _, fn := range opts {
		fn(c)
	}
	return c
}

// Groups returns the discovery documents of all API groups: the core group
// (named "") first, then the named groups in server order. The returned slice
// is shared and must not be modified.
func (c *Cache) Groups(ctx context.Context) ([]apidiscoveryv2.APIGroupDiscovery, error) {
	return c.groups.Do(ctx, "", c.fetchGroups)
}

// VersionInfo returns the server version.
func (c *Cache) VersionInfo(ctx context.Context) (*version.Info, error) {
	return c.version.Do(ctx, "", c.fetchVersion)
}

// Reset drops all memoized results so the next call fetches again.
func (c *Cache) Reset() {
	c.groups.Reset()
	c.version.Reset()
	c.mapper.Reset()
}

// ForGVK returns the resource whose response kind is gvk, or nil if the
// cluster does not serve it. An empty group denotes the core group.
func (c *Cache) ForGVK(ctx context.Context, gvk schema.GroupVersionKind) (*apidiscoveryv2.APIResourceDiscovery, error) {
	groups, err := c.Groups(ctx)
	if err != nil {
		return nil, err
	}
	return lookup(groups, gvk), nil
}

// ForObject resolves an object's apiVersion and kind like ForGVK.
func (c *Cache) ForObject(ctx context.Context, obj runtime.Object) (*apidiscoveryv2.APIResourceDiscovery, error) {
	return c.ForGVK(ctx, obj.GetObjectKind().GroupVersionKind())
}

func lookup(groups []apidiscoveryv2.APIGroupDiscovery, gvk schema.GroupVersionKind) *apidiscoveryv2.APIResourceDiscovery {
	for i := range groups {
		if groups[i].Name != gvk.Group {
			continue
		}
		for j := range groups[i].Versions {
			v := &groups[i].Versions[j]
			if v.Version != gvk.Version {
				continue
			}
			for k := range v.Resources {
				r := &v.Resources[k]
				if r.ResponseKind != nil && r.ResponseKind.Kind == gvk.Kind {
					return r
				}
			}
		}
	}
	return nil
}

func (c *Cache) fetchGroups(ctx context.Context) ([]apidiscoveryv2.APIGroupDiscovery, error) {
	logger := crlog.FromContext(ctx)
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var core, named *apidiscoveryv2.APIGroupDiscoveryList
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		core, err = c.fetchList(gctx, corePath)
		return err
	})
	g.Go(func() (err error) {
		named, err = c.fetchList(gctx, groupsPath)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Error(err, "discovery failed")
		c.report(err)
		return nil, err
	}

	groups := make([]apidiscoveryv2.APIGroupDiscovery, 0, len(core.Items)+len(named.Items))
	groups = append(groups, core.Items...)
	groups = append(groups, named.Items...)
	logger.V(1).Info("discovery cached", "groups", len(groups))
	return groups, nil
}

func (c *Cache) fetchList(ctx context.Context, path string) (*apidiscoveryv2.APIGroupDiscoveryList, error) {
	data, err := c.client.GetRaw(ctx, path, AcceptAggregated)
	metrics.DiscoveryFetchesTotal.WithLabelValues(path, metrics.Result(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("discovery %s: %w", path, err)
	}

	list := &apidiscoveryv2.APIGroupDiscoveryList{}
	if err := json.Unmarshal(data, list); err != nil {
		return nil, fault.Protocol("discovery "+path, err)
	}
	if list.Kind != listKind {
		return nil, fault.Protocolf("discovery "+path, "server does not support aggregated discovery: got kind %q", list.Kind)
	}
	// v2beta1 is wire-compatible with v2.
	switch list.APIVersion {
	case apidiscoveryv2.SchemeGroupVersion.String(), apidiscoveryv2beta1.SchemeGroupVersion.String():
	default:
		return nil, fault.Protocolf("discovery "+path, "unsupported discovery version %q", list.APIVersion)
	}
	return list, nil
}

func (c *Cache) fetchVersion(ctx context.Context) (*version.Info, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	data, err := c.client.GetRaw(ctx, versionPath, "application/json")
	metrics.DiscoveryFetchesTotal.WithLabelValues(versionPath, metrics.Result(err)).Inc()
	if err != nil {
		err = fmt.Errorf("server version: %w", err)
		c.report(err)
		return nil, err
	}
	info := &version.Info{}
	if err := json.Unmarshal(data, info); err != nil {
		err = fault.Protocol("server version", err)
		c.report(err)
		return nil, err
	}
	return info, nil
}

func (c *Cache) report(err error) {
	if c.errs != nil {
		c.errs.Report(err)
	}
}
