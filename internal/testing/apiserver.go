package sptesting

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"

	authorizationv1 "k8s.io/api/authorization/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/rest"
)

const coreDiscovery = `{
  "kind": "APIGroupDiscoveryList",
  "apiVersion": "apidiscovery.k8s.io/v2",
  "metadata": {},
  "items": [{
    "metadata": {"creationTimestamp": null},
    "versions": [{
      "version": "v1",
      "freshness": "Current",
      "resources": [
        {"resource": "namespaces", "singularResource": "namespace", "scope": "Cluster",
         "responseKind": {"group": "", "version": "v1", "kind": "Namespace"},
         "verbs": ["create", "delete", "get", "list", "watch"], "shortNames": ["ns"]},
        {"resource": "pods", "singularResource": "pod", "scope": "Namespaced",
         "responseKind": {"group": "", "version": "v1", "kind": "Pod"},
         "verbs": ["get", "list", "watch"], "shortNames": ["po"], "categories": ["all"],
         "subresources": [{"subresource": "log", "responseKind": {"group": "", "version": "v1", "kind": "Pod"}, "verbs": ["get"]}]}
      ]
    }]
  }]
}`

const groupDiscovery = `{
  "kind": "APIGroupDiscoveryList",
  "apiVersion": "apidiscovery.k8s.io/v2",
  "metadata": {},
  "items": [{
    "metadata": {"name": "apps", "creationTimestamp": null},
    "versions": [{
      "version": "v1",
      "freshness": "Current",
      "resources": [
        {"resource": "deployments", "singularResource": "deployment", "scope": "Namespaced",
         "responseKind": {"group": "apps", "version": "v1", "kind": "Deployment"},
         "verbs": ["get", "list", "watch"], "shortNames": ["deploy"], "categories": ["all"]}
      ]
    }]
  }]
}`

// APIServer is an in-process stand-in for a Kubernetes API server. It serves
// aggregated discovery, /version, namespace list and watch, and the self
// review endpoints.
type APIServer struct {
	*httptest.Server

	mu         sync.Mutex
	rv         int
	namespaces []corev1.Namespace
	watchers   map[chan []byte]struct{}
	rules      authorizationv1.SubjectRulesReviewStatus
	access     authorizationv1.SubjectAccessReviewStatus
	requests   map[string]int
	legacy     bool
}

// NewAPIServer starts a server seeded with the given namespaces. It is
// closed when the test ends.
func NewAPIServer(t testing.TB, namespaces ...string) *APIServer {
	t.Helper()
	s := &APIServer{
		watchers: map[chan []byte]struct{}{},
		requests: map[string]int{},
	}
	for _, name := range namespaces {
		s.rv++
		s.namespaces = append(s.namespaces, s.namespace(name))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api", s.handleDiscovery(coreDiscovery))
	mux.HandleFunc("GET /apis", s.handleDiscovery(groupDiscovery))
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /api/v1/namespaces", s.handleNamespaces)
	mux.HandleFunc("POST /apis/authorization.k8s.io/v1/selfsubjectrulesreviews", s.handleRulesReview)
	mux.HandleFunc("POST /apis/authorization.k8s.io/v1/selfsubjectaccessreviews", s.handleAccessReview)

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests[r.Method+" "+r.URL.Path]++
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(func() {
		s.EndWatches()
		s.Close()
	})
	return s
}

// Config returns a rest.Config pointing at the server.
func (s *APIServer) Config() *rest.Config {
	return &rest.Config{Host: s.URL}
}

// Requests returns how often "METHOD /path" was requested.
func (s *APIServer) Requests(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[key]
}

// SetLegacyDiscovery makes discovery answer in the pre-aggregation format.
func (s *APIServer) SetLegacyDiscovery(legacy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.legacy = legacy
}

// SetRules sets the answer to rules reviews.
func (s *APIServer) SetRules(status authorizationv1.SubjectRulesReviewStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules = status
}

// SetAccess sets the answer to access reviews.
func (s *APIServer) SetAccess(status authorizationv1.SubjectAccessReviewStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = status
}

// AddNamespace creates a namespace and notifies watchers.
func (s *APIServer) AddNamespace(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rv++
	ns := s.namespace(name)
	s.namespaces = append(s.namespaces, ns)
	s.broadcast("ADDED", &ns)
}

// DeleteNamespace removes a namespace and notifies watchers.
func (s *APIServer) DeleteNamespace(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.IndexFunc(s.namespaces, func(ns corev1.Namespace) bool { return ns.Name == name })
	if i < 0 {
		return
	}
	s.rv++
	ns := s.namespaces[i]
	ns.ResourceVersion = strconv.Itoa(s.rv)
	s.namespaces = slices.Delete(s.namespaces, i, i+1)
	s.broadcast("DELETED", &ns)
}

// Watchers returns the number of open watch streams.
func (s *APIServer) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

// EndWatches closes all open watch streams cleanly.
func (s *APIServer) EndWatches() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.watchers {
		close(ch)
		delete(s.watchers, ch)
	}
}

func (s *APIServer) namespace(name string) corev1.Namespace {
	return corev1.Namespace{
		TypeMeta:   metav1.TypeMeta{APIVersion: "v1", Kind: "Namespace"},
		ObjectMeta: metav1.ObjectMeta{Name: name, ResourceVersion: strconv.Itoa(s.rv)},
		Status:     corev1.NamespaceStatus{Phase: corev1.NamespaceActive},
	}
}

func (s *APIServer) broadcast(typ string, obj runtime.Object) {
	raw, err := json.Marshal(obj)
	if err != nil {
		panic(err)
	}
	line, err := json.Marshal(metav1.WatchEvent{Type: typ, Object: runtime.RawExtension{Raw: raw}})
	if err != nil {
		panic(err)
	}
	for ch := range s.watchers {
		ch <- append(line, '\n')
	}
}

func (s *APIServer) handleDiscovery(doc string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		legacy := s.legacy
		s.mu.Unlock()
		if legacy || !strings.Contains(r.Header.Get("Accept"), "apidiscovery.k8s.io") {
			writeJSON(w, http.StatusOK, `{"kind":"APIGroupList","apiVersion":"v1","groups":[]}`)
			return
		}
		w.Header().Set("Content-Type", "application/json;g=apidiscovery.k8s.io;v=v2;as=APIGroupDiscoveryList")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(doc))
	}
}

func (s *APIServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, `{"major":"1","minor":"31","gitVersion":"v1.31.1","platform":"linux/amd64"}`)
}

func (s *APIServer) handleNamespaces(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("watch") == "true" {
		s.serveWatch(w, r)
		return
	}

	s.mu.Lock()
	list := corev1.NamespaceList{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "NamespaceList"},
		ListMeta: metav1.ListMeta{ResourceVersion: strconv.Itoa(s.rv)},
		Items:    slices.Clone(s.namespaces),
	}
	s.mu.Unlock()

	data, err := json.Marshal(list)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, string(data))
}

func (s *APIServer) serveWatch(w http.ResponseWriter, r *http.Request) {
	ch := make(chan []byte, 16)
	s.mu.Lock()
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if _, ok := s.watchers[ch]; ok {
			delete(s.watchers, ch)
		}
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(line); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (s *APIServer) handleRulesReview(w http.ResponseWriter, r *http.Request) {
	review := &authorizationv1.SelfSubjectRulesReview{}
	if err := json.NewDecoder(r.Body).Decode(review); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	review.Status = s.rules
	s.mu.Unlock()
	writeObject(w, review, "SelfSubjectRulesReview")
}

func (s *APIServer) handleAccessReview(w http.ResponseWriter, r *http.Request) {
	review := &authorizationv1.SelfSubjectAccessReview{}
	if err := json.NewDecoder(r.Body).Decode(review); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	review.Status = s.access
	s.mu.Unlock()
	writeObject(w, review, "SelfSubjectAccessReview")
}

func writeObject(w http.ResponseWriter, obj runtime.Object, kind string) {
	obj.GetObjectKind().SetGroupVersionKind(authorizationv1.SchemeGroupVersion.WithKind(kind))
	data, err := json.Marshal(obj)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, string(data))
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = fmt.Fprint(w, body)
}
