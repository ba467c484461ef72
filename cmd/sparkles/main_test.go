package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	authorizationv1 "k8s.io/api/authorization/v1"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"

	sptesting "github.com/xdavidwu/sparkles-sub000/internal/testing"
	"github.com/xdavidwu/sparkles-sub000/pkg/engine"
	"github.com/xdavidwu/sparkles-sub000/pkg/fault"
	"github.com/xdavidwu/sparkles-sub000/pkg/kubeconfig"
	"github.com/xdavidwu/sparkles-sub000/pkg/resources"
)

func writeKubeconfig(t *testing.T, path, server string) {
	t.Helper()
	config := api.NewConfig()
	config.Clusters["fake"] = &api.Cluster{Server: server}
	config.AuthInfos["tester"] = &api.AuthInfo{Token: "test-token"}
	config.Contexts["fake"] = &api.Context{Cluster: "fake", AuthInfo: "tester", Namespace: "default"}
	config.CurrentContext = "fake"
	if err := clientcmd.WriteToFile(*config, path); err != nil {
		t.Fatalf("write kubeconfig: %v", err)
	}
}

// execute runs the CLI against srv with the given settings file contents and
// returns its standard output and error.
func execute(t *testing.T, ctx context.Context, srv *sptesting.APIServer, settings string, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	kubeconfigPath := filepath.Join(dir, "config")
	if srv != nil {
		writeKubeconfig(t, kubeconfigPath, srv.URL)
	}
	configPath := filepath.Join(dir, "sparkles.yaml")
	if settings != "" {
		if err := os.WriteFile(configPath, []byte(settings), 0o600); err != nil {
			t.Fatalf("write settings: %v", err)
		}
	}
	var out, errOut bytes.Buffer
	cmd := newRootCommand(&out, &errOut)
	cmd.SetArgs(append([]string{"--kubeconfig", kubeconfigPath, "--config", configPath}, args...))
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

// run executes the CLI against srv and returns its standard output.
func run(t *testing.T, srv *sptesting.APIServer, args ...string) string {
	t.Helper()
	out, err := execute(t, t.Context(), srv, "", args...)
	if err != nil {
		t.Fatalf("sparkles %s: %v", strings.Join(args, " "), err)
	}
	return out
}

// hasRow reports whether out has a line whose fields are exactly fields.
func hasRow(out string, fields ...string) bool {
	for _, line := range strings.Split(out, "\n") {
		if slices.Equal(strings.Fields(line), fields) {
			return true
		}
	}
	return false
}

func TestVersionClientOnly(t *testing.T) {
	out := run(t, nil, "version", "--client")
	if !strings.HasPrefix(out, "Client Version: dev") {
		t.Fatalf("unexpected output %q", out)
	}
	if strings.Contains(out, "Server Version") {
		t.Fatalf("--client must not contact the server, got %q", out)
	}
}

func TestVersionServer(t *testing.T) {
	srv := sptesting.NewAPIServer(t)
	out := run(t, srv, "version")
	if !strings.Contains(out, "Server Version: v1.31.1") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestAPIResources(t *testing.T) {
	srv := sptesting.NewAPIServer(t)
	out := run(t, srv, "api-resources")
	for _, row := range [][]string{
		{"NAME", "APIVERSION", "NAMESPACED", "KIND"},
		{"namespaces", "v1", "false", "Namespace"},
		{"pods", "v1", "true", "Pod"},
		{"deployments", "apps/v1", "true", "Deployment"},
	} {
		if !hasRow(out, row...) {
			t.Fatalf("missing row %v in\n%s", row, out)
		}
	}

	out = run(t, srv, "api-resources", "--group", "apps")
	if hasRow(out, "pods", "v1", "true", "Pod") || !hasRow(out, "deployments", "apps/v1", "true", "Deployment") {
		t.Fatalf("unexpected filtered output\n%s", out)
	}
}

func TestNamespaces(t *testing.T) {
	srv := sptesting.NewAPIServer(t, "default", "kube-system")
	out := run(t, srv, "namespaces")
	if out != "* default\n  kube-system\n" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestNamespacesWatchOutlivesTTL(t *testing.T) {
	srv := sptesting.NewAPIServer(t, "default")
	ctx, cancel := context.WithTimeout(t.Context(), 500*time.Millisecond)
	defer cancel()

	out, err := execute(t, ctx, srv, "kubernetes:\n  clusters:\n    ttl: 10ms\n", "namespaces", "--watch")
	if err != nil {
		t.Fatalf("watch ended with error: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("watch returned before it was cancelled")
	}
	if !strings.HasPrefix(out, "* default\n") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestSessionEndReportsOutsideStop(t *testing.T) {
	srv := sptesting.NewAPIServer(t, "default")
	path := filepath.Join(t.TempDir(), "config")
	writeKubeconfig(t, path, srv.URL)
	e, err := engine.New(kubeconfig.NewProvider(path, "", kubeconfig.Impersonation{}))
	if err != nil {
		t.Fatalf("engine.New returned error: %v", err)
	}
	ns := e.Namespaces()
	sptesting.Receive(t, ns.Synced(), 5*time.Second, "initial list")
	e.Close()
	sptesting.Receive(t, ns.Done(), 5*time.Second, "namespace sync end")

	if ns.State() != resources.Stopped {
		t.Fatalf("expected Stopped, got %s", ns.State())
	}
	if err := sessionEnd(t.Context(), ns); !errors.Is(err, fault.ErrUpdatesStopped) {
		t.Fatalf("expected updates stopped, got %v", err)
	}
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := sessionEnd(ctx, ns); err != nil {
		t.Fatalf("a cancelled caller must not see an error, got %v", err)
	}
}

func TestCanI(t *testing.T) {
	srv := sptesting.NewAPIServer(t)
	srv.SetRules(authorizationv1.SubjectRulesReviewStatus{
		ResourceRules: []authorizationv1.ResourceRule{{Verbs: []string{"list"}, APIGroups: []string{""}, Resources: []string{"pods"}}},
		Incomplete:    true,
	})
	srv.SetAccess(authorizationv1.SubjectAccessReviewStatus{Allowed: true})

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"can-i", "list", "pods"}, "yes"},
		{[]string{"can-i", "get", "secrets", "-n", "kube-system"}, "unknown"},
		{[]string{"can-i", "get", "secrets", "--exact"}, "yes"},
	}
	for _, tt := range tests {
		if got := strings.TrimSpace(run(t, srv, tt.args...)); got != tt.want {
			t.Fatalf("%v: expected %q, got %q", tt.args, tt.want, got)
		}
	}
}

func TestContexts(t *testing.T) {
	dir := t.TempDir()
	writeKubeconfig(t, filepath.Join(dir, "config"), "https://example.invalid:6443")
	out := run(t, nil, "contexts", "--dir", dir)
	if !hasRow(out, "*", "fake", "fake", "default", filepath.Join(dir, "config")) {
		t.Fatalf("unexpected output\n%s", out)
	}
}
