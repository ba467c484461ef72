package discovery

import (
	"context"

	apidiscoveryv2 "k8s.io/api/apidiscovery/v2"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/restmapper"
)

// RESTMapper returns a mapper built from the cached discovery documents. It
// is memoized with them and dropped by Reset.
func (c *Cache) RESTMapper(ctx context.Context) (meta.RESTMapper, error) {
	return c.mapper.Do(ctx, "", func(ctx context.Context) (meta.RESTMapper, error) {
		groups, err := c.Groups(ctx)
		if err != nil {
			return nil, err
		}
		return restmapper.NewDiscoveryRESTMapper(groupResources(groups)), nil
	})
}

// groupResources converts aggregated documents to the legacy shape the
// restmapper package consumes. Versions are listed in preference order, so the
// first one is preferred.
func groupResources(groups []apidiscoveryv2.APIGroupDiscovery) []*restmapper.APIGroupResources {
	out := make([]*restmapper.APIGroupResources, 0, len(groups))
	for _, g := range groups {
		agr := &restmapper.APIGroupResources{
			Group:              metav1.APIGroup{Name: g.Name},
			VersionedResources: make(map[string][]metav1.APIResource, len(g.Versions)),
		}
		for i, v := range g.Versions {
			gv := metav1.GroupVersionForDiscovery{
				GroupVersion: schema.GroupVersion{Group: g.Name, Version: v.Version}.String(),
				Version:      v.Version,
			}
			agr.Group.Versions = append(agr.Group.Versions, gv)
			if i == 0 {
				agr.Group.PreferredVersion = gv
			}

			var resources []metav1.APIResource
			for _, r := range v.Resources {
				if r.ResponseKind == nil {
					continue
				}
				namespaced := r.Scope == apidiscoveryv2.ScopeNamespace
				resources = append(resources, metav1.APIResource{
					Name:         r.Resource,
					SingularName: r.SingularResource,
					Namespaced:   namespaced,
					Group:        r.ResponseKind.Group,
					Version:      r.ResponseKind.Version,
					Kind:         r.ResponseKind.Kind,
					Verbs:        metav1.Verbs(r.Verbs),
					ShortNames:   r.ShortNames,
					Categories:   r.Categories,
				})
				for _, sr := range r.Subresources {
					sub := metav1.APIResource{
						Name:       r.Resource + "/" + sr.Subresource,
						Namespaced: namespaced,
						Verbs:      metav1.Verbs(sr.Verbs),
					}
					if sr.ResponseKind != nil {
						sub.Group, sub.Version, sub.Kind = sr.ResponseKind.Group, sr.ResponseKind.Version, sr.ResponseKind.Kind
					}
					resources = append(resources, sub)
				}
			}
			agr.VersionedResources[v.Version] = resources
		}
		out = append(out, agr)
	}
	return out
}
