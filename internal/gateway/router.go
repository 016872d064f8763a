// Package gateway implements request admission and routing in front of the
// platform scrapers: API key checks, per-platform rate limits, route lookup
// with request/response transforms, retries, and circuit breaking.
package gateway

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/creatorplane/orchestrator/internal/domain"
)

// Request is one inbound gateway call after HTTP decoding.
type Request struct {
	Platform string            `json:"platform"`
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method"`
	Params   map[string]string `json:"params,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     json.RawMessage   `json:"body,omitempty"`
	APIKey   string            `json:"apiKey"`
	UserID   string            `json:"userId,omitempty"`
}

// Response is the gateway's answer before HTTP encoding.
type Response struct {
	Data      json.RawMessage   `json:"data"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	Cached    bool              `json:"cached,omitempty"`
	RequestID string            `json:"requestId"`
}

// RequestTransform mutates a request before dispatch.
type RequestTransform struct {
	SetHeaders map[string]string `yaml:"setHeaders"`
	SetParams  map[string]string `yaml:"setParams"`
	DropParams []string          `yaml:"dropParams"`
}

// ResponseTransform mutates the returned payload. DropFields removes
// top-level keys from a JSON object body.
type ResponseTransform struct {
	SetHeaders map[string]string `yaml:"setHeaders"`
	DropFields []string          `yaml:"dropFields"`
}

// Transform pairs the optional request and response transforms of a route.
type Transform struct {
	Request  *RequestTransform  `yaml:"request"`
	Response *ResponseTransform `yaml:"response"`
}

// RouteRateLimit overrides the platform defaults for one route.
type RouteRateLimit struct {
	WindowMS    int64 `yaml:"windowMs"`
	MaxRequests int   `yaml:"maxRequests"`
}

// Route maps a path pattern onto a platform handler. Pattern segments of the
// form :name capture path params. Rollout, when set between 1 and 99, admits
// only that percentage of callers; zero means fully released.
type Route struct {
	PathPattern    string          `yaml:"path"`
	Methods        []string        `yaml:"methods"`
	Platform       string          `yaml:"platform"`
	TargetEndpoint string          `yaml:"target"`
	Rollout        int             `yaml:"rollout"`
	RateLimit      *RouteRateLimit `yaml:"rateLimit"`
	Transform      *Transform      `yaml:"transform"`
}

// Handler executes a routed request against one platform backend.
type Handler func(ctx domain.Context, req *Request, route Route) (*Response, error)

// Router stores routes keyed by normalized path and dispatches to per-platform
// handlers. Lookup prefers an exact path match, then a pattern scan.
type Router struct {
	exact    map[string]Route
	patterns []Route
	handlers map[string]Handler
}

// NewRouter constructs an empty router.
func NewRouter() *Router {
	return &Router{
		exact:    make(map[string]Route),
		handlers: make(map[string]Handler),
	}
}

// Register adds a route. Patterned paths (containing :name segments) go to
// the scan list; everything else is an exact key scoped by platform.
func (r *Router) Register(route Route) {
	path := normalizePath(route.PathPattern)
	route.PathPattern = path
	if strings.Contains(path, ":") {
		r.patterns = append(r.patterns, route)
		return
	}
	r.exact[routeKey(route.Platform, path)] = route
}

func routeKey(platform, path string) string {
	return strings.ToLower(platform) + " " + path
}

// RegisterHandler binds a platform name to its handler.
func (r *Router) RegisterHandler(platform string, h Handler) {
	r.handlers[strings.ToLower(platform)] = h
}

// Route resolves and dispatches one request. Extracted path params are merged
// into req.Params before the handler runs.
func (r *Router) Route(ctx domain.Context, req *Request) (*Response, error) {
	path := normalizePath(req.Endpoint)
	method := strings.ToUpper(req.Method)

	route, params, ok := r.lookup(req.Platform, path, method)
	if !ok {
		return nil, fmt.Errorf("op=router.Route: %s %s: %w", method, path, domain.ErrRouteNotFound)
	}

	if route.Rollout > 0 && route.Rollout < 100 {
		identity := req.UserID
		if identity == "" {
			identity = req.APIKey
		}
		if !InRollout(identity, route.Rollout) {
			return nil, fmt.Errorf("op=router.Route: %s %s outside rollout: %w", method, path, domain.ErrRouteNotFound)
		}
	}

	if len(params) > 0 {
		if req.Params == nil {
			req.Params = make(map[string]string, len(params))
		}
		for k, v := range params {
			req.Params[k] = v
		}
	}

	handler, ok := r.handlers[strings.ToLower(route.Platform)]
	if !ok {
		return nil, fmt.Errorf("op=router.Route: platform %s: %w", route.Platform, domain.ErrHandlerNotFound)
	}

	if route.Transform != nil && route.Transform.Request != nil {
		applyRequestTransform(req, route.Transform.Request)
	}

	resp, err := handler(ctx, req, route)
	if err != nil {
		return nil, err
	}

	if route.Transform != nil && route.Transform.Response != nil {
		applyResponseTransform(resp, route.Transform.Response)
	}
	return resp, nil
}

func (r *Router) lookup(platform, path, method string) (Route, map[string]string, bool) {
	if route, ok := r.exact[routeKey(platform, path)]; ok && methodAllowed(route, method) {
		return route, nil, true
	}
	for _, route := range r.patterns {
		if !strings.EqualFold(route.Platform, platform) || !methodAllowed(route, method) {
			continue
		}
		if params, ok := matchPattern(route.PathPattern, path); ok {
			return route, params, true
		}
	}
	return Route{}, nil, false
}

func methodAllowed(route Route, method string) bool {
	for _, m := range route.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// matchPattern compares a :name pattern against a concrete path segment by
// segment, returning captured params on success.
func matchPattern(pattern, path string) (map[string]string, bool) {
	ps := strings.Split(strings.Trim(pattern, "/"), "/")
	cs := strings.Split(strings.Trim(path, "/"), "/")
	if len(ps) != len(cs) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range ps {
		if strings.HasPrefix(seg, ":") {
			params[seg[1:]] = cs[i]
			continue
		}
		if seg != cs[i] {
			return nil, false
		}
	}
	return params, true
}

// normalizePath lowercases and strips any trailing slash.
func normalizePath(p string) string {
	p = strings.ToLower(strings.TrimSpace(p))
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func applyRequestTransform(req *Request, t *RequestTransform) {
	if len(t.SetHeaders) > 0 && req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	for k, v := range t.SetHeaders {
		req.Headers[k] = v
	}
	if len(t.SetParams) > 0 && req.Params == nil {
		req.Params = make(map[string]string)
	}
	for k, v := range t.SetParams {
		if _, exists := req.Params[k]; !exists {
			req.Params[k] = v
		}
	}
	for _, k := range t.DropParams {
		delete(req.Params, k)
	}
}

func applyResponseTransform(resp *Response, t *ResponseTransform) {
	if resp == nil {
		return
	}
	if len(t.SetHeaders) > 0 {
		if resp.Headers == nil {
			resp.Headers = make(map[string]string)
		}
		for k, v := range t.SetHeaders {
			resp.Headers[k] = v
		}
	}
	if len(t.DropFields) > 0 && len(resp.Data) > 0 {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(resp.Data, &obj); err == nil {
			for _, f := range t.DropFields {
				delete(obj, f)
			}
			if b, err := json.Marshal(obj); err == nil {
				resp.Data = b
			}
		}
	}
}

type routesFile struct {
	Routes []Route `yaml:"routes"`
}

// LoadRoutes reads a route table from a YAML file.
func LoadRoutes(path string) ([]Route, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=gateway.LoadRoutes: %w", err)
	}
	var f routesFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("op=gateway.LoadRoutes: %w", err)
	}
	for i, rt := range f.Routes {
		if rt.PathPattern == "" || rt.Platform == "" {
			return nil, fmt.Errorf("op=gateway.LoadRoutes: route %d missing path or platform", i)
		}
		if len(rt.Methods) == 0 {
			f.Routes[i].Methods = []string{"GET"}
		}
		if rt.Rollout < 0 || rt.Rollout > 100 {
			return nil, fmt.Errorf("op=gateway.LoadRoutes: route %d rollout %d out of range", i, rt.Rollout)
		}
	}
	return f.Routes, nil
}

// DefaultRoutes returns the built-in route table used when no routes file is
// configured: profile, posts, and search per platform.
func DefaultRoutes(platforms []string) []Route {
	var routes []Route
	for _, p := range platforms {
		routes = append(routes,
			Route{PathPattern: "/profile", Methods: []string{"GET", "POST"}, Platform: p, TargetEndpoint: "/profile"},
			Route{PathPattern: "/profile/:username", Methods: []string{"GET"}, Platform: p, TargetEndpoint: "/profile"},
			Route{PathPattern: "/posts", Methods: []string{"GET"}, Platform: p, TargetEndpoint: "/posts"},
			Route{PathPattern: "/search", Methods: []string{"GET", "POST"}, Platform: p, TargetEndpoint: "/search"},
		)
	}
	return routes
}
