package resources

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	crclient "sigs.k8s.io/controller-runtime/pkg/client"
)

// Namespaces is the live namespace list.
type Namespaces = Collection[corev1.Namespace, *corev1.Namespace]

// Objects is a live list of any discovered resource.
type Objects = Collection[unstructured.Unstructured, *unstructured.Unstructured]

// NewNamespaces returns an unstarted namespace collection.
func NewNamespaces(lister Lister, watcher Watcher, opts ...Option) *Namespaces {
	gvr := corev1.SchemeGroupVersion.WithResource("namespaces")
	return New[corev1.Namespace](lister, watcher, gvr, "", func() crclient.ObjectList {
		return &corev1.NamespaceList{}
	}, opts...)
}

// NewForMapping returns an unstarted collection of the mapped resource.
// namespace is ignored for cluster-scoped resources.
func NewForMapping(lister Lister, watcher Watcher, mapping *meta.RESTMapping, namespace string, opts ...Option) *Objects {
	if mapping.Scope.Name() != meta.RESTScopeNameNamespace {
		namespace = ""
	}
	listGVK := mapping.GroupVersionKind.GroupVersion().WithKind(mapping.GroupVersionKind.Kind + "List")
	return New[unstructured.Unstructured](lister, watcher, mapping.Resource, namespace, func() crclient.ObjectList {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(listGVK)
		return list
	}, opts...)
}
