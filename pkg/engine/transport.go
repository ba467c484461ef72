package engine

import (
	"net/http"

	"k8s.io/client-go/rest"

	"github.com/xdavidwu/sparkles-sub000/pkg/kubeconfig"
)

// providerTransport asks the provider for credentials on every request, so a
// rotated token or changed impersonation applies without a new session. It
// sits below client-go's auth wrappers and overrides what they set.
type providerTransport struct {
	provider kubeconfig.Provider
	next     http.RoundTripper
}

func (t *providerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	cfg, err := t.provider.Config()
	if err != nil {
		return nil, err
	}
	req = req.Clone(req.Context())
	if cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}
	if cfg.Impersonate.UserName != "" {
		req.Header.Set("Impersonate-User", cfg.Impersonate.UserName)
		req.Header.Del("Impersonate-Group")
		for _, g := range cfg.Impersonate.Groups {
			req.Header.Add("Impersonate-Group", g)
		}
	}
	return t.next.RoundTrip(req)
}

func wrapWithProvider(cfg *rest.Config, provider kubeconfig.Provider) {
	cfg.Wrap(func(rt http.RoundTripper) http.RoundTripper {
		return &providerTransport{provider: provider, next: rt}
	})
}
