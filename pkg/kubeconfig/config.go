package kubeconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/tools/clientcmd/api"
)

// Kubeconfig represents a kubeconfig file
type Kubeconfig struct {
	Path   string
	Config *api.Config
}

// Context represents a Kubernetes context
type Context struct {
	Name       string
	Cluster    string
	Server     string
	Namespace  string
	User       string
	Current    bool
	Kubeconfig *Kubeconfig
}

// Manager handles kubeconfig discovery
type Manager struct {
	kubeconfigs []*Kubeconfig
	contexts    []*Context
}

// NewManager creates a new kubeconfig manager
func NewManager() *Manager {
	return &Manager{}
}

// DefaultDir returns ~/.kube.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".kube"), nil
}

// DiscoverKubeconfigs loads every kubeconfig file in dir. Files that do not
// parse as kubeconfig are skipped, as are hidden files and the cache
// directories kubectl keeps there.
func (m *Manager) DiscoverKubeconfigs(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("kube directory: %w", err)
	}

	mainPath := filepath.Join(dir, "config")
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if strings.HasPrefix(d.Name(), ".") && path != dir {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if d.Name() == "cache" || d.Name() == "http-cache" {
				return filepath.SkipDir
			}
			return nil
		}

		config, err := clientcmd.LoadFromFile(path)
		if err != nil || len(config.Contexts) == 0 {
			return nil
		}
		m.kubeconfigs = append(m.kubeconfigs, &Kubeconfig{Path: path, Config: config})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk kube directory: %w", err)
	}

	// The main kubeconfig goes first.
	slices.SortStableFunc(m.kubeconfigs, func(a, b *Kubeconfig) int {
		switch {
		case a.Path == mainPath && b.Path != mainPath:
			return -1
		case b.Path == mainPath && a.Path != mainPath:
			return 1
		default:
			return strings.Compare(a.Path, b.Path)
		}
	})
	m.buildContexts()
	return nil
}

func (m *Manager) buildContexts() {
	m.contexts = nil
	for _, kubeconfig := range m.kubeconfigs {
		names := make([]string, 0, len(kubeconfig.Config.Contexts))
		for name := range kubeconfig.Config.Contexts {
			names = append(names, name)
		}
		slices.Sort(names)

		for _, name := range names {
			context := kubeconfig.Config.Contexts[name]
			namespace := context.Namespace
			if namespace == "" {
				namespace = "default"
			}
			var server string
			if cluster, ok := kubeconfig.Config.Clusters[context.Cluster]; ok {
				server = cluster.Server
			}
			m.contexts = append(m.contexts, &Context{
				Name:       name,
				Cluster:    context.Cluster,
				Server:     server,
				Namespace:  namespace,
				User:       context.AuthInfo,
				Current:    kubeconfig.Config.CurrentContext == name,
				Kubeconfig: kubeconfig,
			})
		}
	}
}

// GetKubeconfigs returns all discovered kubeconfigs
func (m *Manager) GetKubeconfigs() []*Kubeconfig {
	return m.kubeconfigs
}

// GetContexts returns all discovered contexts
func (m *Manager) GetContexts() []*Context {
	return m.contexts
}

// GetContextByName finds a context by name. The first kubeconfig defining it
// wins.
func (m *Manager) GetContextByName(name string) *Context {
	for _, ctx := range m.contexts {
		if ctx.Name == name {
			return ctx
		}
	}
	return nil
}

// Impersonation is the identity requests are made as.
type Impersonation struct {
	User   string
	Groups []string
}

// Provider supplies the connection settings of one context. Config is called
// for every client the engine builds and must be cheap.
type Provider interface {
	Config() (*rest.Config, error)
	Namespace() string
}

// FileProvider loads a context from kubeconfig files once and hands out
// copies.
type FileProvider struct {
	path        string
	context     string
	impersonate Impersonation

	once      sync.Once
	config    *rest.Config
	namespace string
	err       error
}

// NewProvider returns a provider for context in the kubeconfig at path. An
// empty path uses the default loading rules (KUBECONFIG, ~/.kube/config); an
// empty context uses the current context.
func NewProvider(path, context string, impersonate Impersonation) *FileProvider {
	return &FileProvider{path: path, context: context, impersonate: impersonate}
}

// ForContext returns a provider for a discovered context.
func ForContext(ctx *Context, impersonate Impersonation) *FileProvider {
	return NewProvider(ctx.Kubeconfig.Path, ctx.Name, impersonate)
}

// Config returns a copy of the context's rest config.
func (p *FileProvider) Config() (*rest.Config, error) {
	p.once.Do(p.load)
	if p.err != nil {
		return nil, p.err
	}
	return rest.CopyConfig(p.config), nil
}

// Namespace returns the context's default namespace.
func (p *FileProvider) Namespace() string {
	p.once.Do(p.load)
	return p.namespace
}

// ContextName returns the context the provider was asked for; empty means the
// current context.
func (p *FileProvider) ContextName() string { return p.context }

func (p *FileProvider) load() {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if p.path != "" {
		rules.ExplicitPath = p.path
	}
	clientConfig := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		rules,
		&clientcmd.ConfigOverrides{
			CurrentContext: p.context,
			AuthInfo: api.AuthInfo{
				Impersonate:       p.impersonate.User,
				ImpersonateGroups: p.impersonate.Groups,
			},
		},
	)

	config, err := clientConfig.ClientConfig()
	if err != nil {
		p.err = fmt.Errorf("failed to create client config: %w", err)
		return
	}
	p.config = config

	p.namespace = "default"
	if ns, _, err := clientConfig.Namespace(); err == nil && ns != "" {
		p.namespace = ns
	}
}
