package engine

import (
	"errors"
	"slices"
	"testing"
	"time"

	authorizationv1 "k8s.io/api/authorization/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/rest"
	crclient "sigs.k8s.io/controller-runtime/pkg/client"

	sptesting "github.com/xdavidwu/sparkles-sub000/internal/testing"
	"github.com/xdavidwu/sparkles-sub000/pkg/authz"
	"github.com/xdavidwu/sparkles-sub000/pkg/fault"
	"github.com/xdavidwu/sparkles-sub000/pkg/resources"
)

const (
	timeout  = 5 * time.Second
	interval = 10 * time.Millisecond
)

type staticProvider struct {
	cfg       *rest.Config
	namespace string
}

func (p staticProvider) Config() (*rest.Config, error) { return rest.CopyConfig(p.cfg), nil }
func (p staticProvider) Namespace() string             { return p.namespace }

func newTestEngine(t *testing.T, srv *sptesting.APIServer) *Engine {
	t.Helper()
	e, err := New(staticProvider{cfg: srv.Config(), namespace: "default"})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func namespaceNames(c *resources.Namespaces) []string {
	var out []string
	for _, ns := range c.Items() {
		out = append(out, ns.Name)
	}
	return out
}

func TestEngineDiscovery(t *testing.T) {
	srv := sptesting.NewAPIServer(t)
	e := newTestEngine(t, srv)

	for range 3 {
		groups, err := e.Discovery().Groups(t.Context())
		if err != nil {
			t.Fatalf("Groups returned error: %v", err)
		}
		if len(groups) != 2 || groups[0].Name != "" || groups[1].Name != "apps" {
			t.Fatalf("unexpected groups %+v", groups)
		}
	}
	if n := srv.Requests("GET /api"); n != 1 {
		t.Fatalf("expected one core discovery request, got %d", n)
	}
	if n := srv.Requests("GET /apis"); n != 1 {
		t.Fatalf("expected one group discovery request, got %d", n)
	}

	pod, err := e.Discovery().ForGVK(t.Context(), schema.GroupVersionKind{Version: "v1", Kind: "Pod"})
	if err != nil || pod == nil || pod.Resource != "pods" {
		t.Fatalf("expected pods, got %+v err=%v", pod, err)
	}

	info, err := e.Discovery().VersionInfo(t.Context())
	if err != nil || info.GitVersion != "v1.31.1" {
		t.Fatalf("unexpected version %+v err=%v", info, err)
	}
	if e.Namespace() != "default" {
		t.Fatalf("unexpected namespace %q", e.Namespace())
	}
}

func TestEngineLegacyDiscovery(t *testing.T) {
	srv := sptesting.NewAPIServer(t, "default")
	srv.SetLegacyDiscovery(true)
	e := newTestEngine(t, srv)

	if _, err := e.Discovery().Groups(t.Context()); !fault.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if e.Errors().Err() == nil {
		t.Fatal("expected the discovery failure in the error slot")
	}

	ns := e.Namespaces()
	sptesting.Receive(t, ns.Done(), timeout, "namespace sync end")
	if ns.State() != resources.Failed || !fault.IsProtocol(ns.Err()) {
		t.Fatalf("expected a protocol failure, got %s %v", ns.State(), ns.Err())
	}

	srv.SetLegacyDiscovery(false)
	e.Reset()
	if _, err := e.Discovery().Groups(t.Context()); err != nil {
		t.Fatalf("Groups after Reset returned error: %v", err)
	}
	if err := ns.Restart(e.Context()); err != nil {
		t.Fatalf("Restart returned error: %v", err)
	}
	sptesting.Eventually(t, timeout, interval, func() bool { return ns.State() == resources.Watching }, "namespaces did not recover after Reset")
}

func TestEngineNamespaces(t *testing.T) {
	srv := sptesting.NewAPIServer(t, "default", "kube-system")
	e := newTestEngine(t, srv)

	ns := e.Namespaces()
	if again := e.Namespaces(); again != ns {
		t.Fatal("expected the same collection on every call")
	}
	sptesting.Eventually(t, timeout, interval, func() bool { return ns.State() == resources.Watching }, "namespaces did not start watching")
	sptesting.Eventually(t, timeout, interval, func() bool { return srv.Watchers() == 1 }, "watch not established")
	if n := srv.Requests("GET /api/v1/namespaces"); n != 2 {
		t.Fatalf("expected one list and one watch request, got %d", n)
	}
	if got := namespaceNames(ns); !slices.Equal(got, []string{"default", "kube-system"}) {
		t.Fatalf("unexpected namespaces %v", got)
	}
	if sel, ok := ns.Selected(); !ok || sel.Name != "default" {
		t.Fatalf("expected default selected, got %v", sel)
	}

	srv.AddNamespace("team-a")
	sptesting.Eventually(t, timeout, interval, func() bool {
		return slices.Equal(namespaceNames(ns), []string{"default", "kube-system", "team-a"})
	}, "added namespace not applied")

	srv.DeleteNamespace("default")
	sptesting.Eventually(t, timeout, interval, func() bool {
		sel, ok := ns.Selected()
		return ok && sel.Name == "kube-system"
	}, "selection did not move after delete")

	srv.EndWatches()
	sptesting.Receive(t, ns.Done(), timeout, "namespace sync end")
	if ns.State() != resources.Failed || !errors.Is(ns.Err(), fault.ErrUpdatesStopped) {
		t.Fatalf("expected updates stopped, got %s %v", ns.State(), ns.Err())
	}
	if !errors.Is(e.Errors().Err(), fault.ErrUpdatesStopped) {
		t.Fatalf("expected the stop in the error slot, got %v", e.Errors().Err())
	}
}

func TestEngineCloseStopsCollections(t *testing.T) {
	srv := sptesting.NewAPIServer(t, "default")
	e := newTestEngine(t, srv)

	ns := e.Namespaces()
	sptesting.Eventually(t, timeout, interval, func() bool { return ns.State() == resources.Watching }, "namespaces did not start watching")
	e.Close()
	sptesting.Receive(t, ns.Done(), timeout, "namespace sync end")
	if ns.State() != resources.Stopped || ns.Err() != nil {
		t.Fatalf("expected Stopped, got %s %v", ns.State(), ns.Err())
	}
	if e.Errors().Err() != nil {
		t.Fatalf("closing must not report an error, got %v", e.Errors().Err())
	}
	sptesting.Eventually(t, timeout, interval, func() bool { return srv.Watchers() == 0 }, "watch connection not released")
}

func TestEngineCollection(t *testing.T) {
	srv := sptesting.NewAPIServer(t, "default", "kube-system")
	e := newTestEngine(t, srv)

	gvk := schema.GroupVersionKind{Version: "v1", Kind: "Namespace"}
	c, err := e.Collection(t.Context(), gvk, "ignored")
	if err != nil {
		t.Fatalf("Collection returned error: %v", err)
	}
	if c.Namespace() != "" {
		t.Fatalf("cluster-scoped collection must not be namespaced, got %q", c.Namespace())
	}
	again, err := e.Collection(t.Context(), gvk, "")
	if err != nil {
		t.Fatalf("Collection returned error: %v", err)
	}
	if again != c {
		t.Fatal("expected the same collection for the same resource")
	}

	sptesting.Receive(t, c.Synced(), timeout, "initial list")
	if len(c.Items()) != 2 {
		t.Fatalf("expected 2 items, got %d", len(c.Items()))
	}
	if !c.Select(crclient.ObjectKey{Name: "kube-system"}) {
		t.Fatal("expected kube-system to be selectable")
	}

	if _, err := e.Collection(t.Context(), schema.GroupVersionKind{Group: "example.com", Version: "v1", Kind: "Widget"}, ""); err == nil {
		t.Fatal("expected error for an undiscovered kind")
	}
}

func TestEngineAuthorization(t *testing.T) {
	srv := sptesting.NewAPIServer(t)
	srv.SetRules(authorizationv1.SubjectRulesReviewStatus{
		ResourceRules: []authorizationv1.ResourceRule{{Verbs: []string{"get", "list"}, APIGroups: []string{""}, Resources: []string{"pods"}}},
		Incomplete:    true,
	})
	srv.SetAccess(authorizationv1.SubjectAccessReviewStatus{Denied: true})
	e := newTestEngine(t, srv)
	ev := e.Authorization()

	if _, err := ev.LoadReview(t.Context(), "default"); err != nil {
		t.Fatalf("LoadReview returned error: %v", err)
	}
	if v := ev.Check(authz.Attributes{Namespace: "default", Resource: "pods", Verb: "list"}); v != authz.Allowed {
		t.Fatalf("expected Allowed, got %s", v)
	}

	attrs := authz.Attributes{Namespace: "default", Resource: "secrets", Verb: "get"}
	if v := ev.Check(attrs); v != authz.Unknown {
		t.Fatalf("expected Unknown, got %s", v)
	}
	v, err := ev.FullCheck(t.Context(), attrs)
	if err != nil || v != authz.Denied {
		t.Fatalf("expected Denied, got %s err=%v", v, err)
	}
	if n := srv.Requests("POST /apis/authorization.k8s.io/v1/selfsubjectrulesreviews"); n != 1 {
		t.Fatalf("expected one rules review, got %d", n)
	}
	if n := srv.Requests("POST /apis/authorization.k8s.io/v1/selfsubjectaccessreviews"); n != 1 {
		t.Fatalf("expected one access review, got %d", n)
	}
}
