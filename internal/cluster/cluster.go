package cluster

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/runtime/serializer"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	authorizationv1client "k8s.io/client-go/kubernetes/typed/authorization/v1"
	"k8s.io/client-go/rest"
	crclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/xdavidwu/sparkles-sub000/pkg/fault"
)

// Client is the API client capability the engine consumes: raw reads with
// content negotiation, raw watch streams, a typed list reader, and the
// authorization API. It shares one HTTP client across all of them.
type Client struct {
	config     *rest.Config
	httpClient *http.Client
	scheme     *runtime.Scheme
	codecs     serializer.CodecFactory
	clientset  kubernetes.Interface
	bookmarks  bool

	clients sync.Map // key: schema.GroupVersion.String() -> rest.Interface
}

// Option configures Client.
type Option func(*options)
type options struct {
	scheme    *runtime.Scheme
	bookmarks bool
	clientset kubernetes.Interface
}

// WithScheme sets the runtime.Scheme used for typed decoding (default: client-go's scheme).
func WithScheme(s *runtime.Scheme) Option { return func(o *options) { o.scheme = s } }

// WithWatchBookmarks asks the server for BOOKMARK events on watches (default true).
func WithWatchBookmarks(enabled bool) Option { return func(o *options) { o.bookmarks = enabled } }

// WithClientset replaces the typed clientset, e.g. with a fake in tests.
func WithClientset(cs kubernetes.Interface) Option { return func(o *options) { o.clientset = cs } }

// New creates a Client for cfg.
func New(cfg *rest.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cluster: rest config must not be nil")
	}
	o := &options{scheme: scheme.Scheme, bookmarks: true}
	for _, fn := range opts {
		fn(o)
	}

	config := rest.CopyConfig(cfg)
	if config.UserAgent == "" {
		config.UserAgent = rest.DefaultKubernetesUserAgent()
	}
	httpClient, err := rest.HTTPClientFor(config)
	if err != nil {
		return nil, fmt.Errorf("cluster: http client: %w", err)
	}

	cs := o.clientset
	if cs == nil {
		cs, err = kubernetes.NewForConfigAndClient(config, httpClient)
		if err != nil {
			return nil, fmt.Errorf("cluster: clientset: %w", err)
		}
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		scheme:     o.scheme,
		codecs:     serializer.NewCodecFactory(o.scheme),
		clientset:  cs,
		bookmarks:  o.bookmarks,
	}, nil
}

// Host returns the API server address.
func (c *Client) Host() string { return c.config.Host }

// GetRaw issues a GET for an absolute path with the given Accept header and
// returns the body.
func (c *Client) GetRaw(ctx context.Context, path, accept string) ([]byte, error) {
	rc, err := c.restClientForGV(schema.GroupVersion{Version: "v1"})
	if err != nil {
		return nil, err
	}
	req := rc.Get().AbsPath(path)
	if accept != "" {
		req.SetHeader("Accept", accept)
	}
	data, err := req.DoRaw(ctx)
	if err != nil {
		return nil, fault.Transport("get "+path, err)
	}
	return data, nil
}

// WatchRaw opens a watch on gvr starting at resourceVersion and returns the
// undecoded response body. The stream is bound to ctx; the caller must close
// the body.
func (c *Client) WatchRaw(ctx context.Context, gvr schema.GroupVersionResource, namespace, resourceVersion string) (io.ReadCloser, error) {
	rc, err := c.restClientForGV(gvr.GroupVersion())
	if err != nil {
		return nil, err
	}
	req := rc.Get().Resource(gvr.Resource)
	if namespace != "" {
		req = req.Namespace(namespace)
	}
	opts := &metav1.ListOptions{
		Watch:               true,
		ResourceVersion:     resourceVersion,
		AllowWatchBookmarks: c.bookmarks,
	}
	req.VersionedParams(opts, scheme.ParameterCodec)
	req.SetHeader("Accept", "application/json")

	body, err := req.Stream(ctx)
	if err != nil {
		return nil, fault.Transport("watch "+gvr.String(), err)
	}
	return body, nil
}

// Authorization returns the typed authorization/v1 client.
func (c *Client) Authorization() authorizationv1client.AuthorizationV1Interface {
	return c.clientset.AuthorizationV1()
}

// NewReader returns a controller-runtime reader that lists through this
// client's connection, resolving kinds with mapper.
func (c *Client) NewReader(mapper meta.RESTMapper) (crclient.Reader, error) {
	cl, err := crclient.New(c.config, crclient.Options{
		HTTPClient: c.httpClient,
		Scheme:     c.scheme,
		Mapper:     mapper,
	})
	if err != nil {
		return nil, fmt.Errorf("cluster: reader: %w", err)
	}
	return cl, nil
}

func (c *Client) restClientForGV(gv schema.GroupVersion) (rest.Interface, error) {
	key := gv.String()
	if rc, ok := c.clients.Load(key); ok {
		return rc.(rest.Interface), nil
	}

	cfg := rest.CopyConfig(c.config)
	cfg.GroupVersion = &gv
	if gv.Group == "" {
		cfg.APIPath = "/api"
	} else {
		cfg.APIPath = "/apis"
	}
	cfg.NegotiatedSerializer = c.codecs.WithoutConversion()

	rc, err := rest.RESTClientForConfigAndClient(cfg, c.httpClient)
	if err != nil {
		return nil, fmt.Errorf("cluster: rest client for %s: %w", key, err)
	}
	actual, _ := c.clients.LoadOrStore(key, rc)
	return actual.(rest.Interface), nil
}
