package actions

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/automata/internal/stepschema"
	"github.com/rendis/automata/pkg/schema"
)

// HTTPConfig configures the HTTP actions.
type HTTPConfig struct {
	MaxResponseBody int64
	DefaultTimeout  time.Duration
	// AllowedHosts restricts outbound calls when non-empty. Entries match the
	// request host exactly or as a parent domain (".example.com").
	AllowedHosts []string
	// Transport overrides the base transport; tests use it.
	Transport http.RoundTripper
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024
	defaultHTTPTimeout     = 30 * time.Second
)

const httpRequestInputSchema = `{
  "type": "object",
  "properties": {
    "method": {"type": "string", "enum": ["GET","POST","PUT","PATCH","DELETE","HEAD","get","post","put","patch","delete","head"]},
    "url": {"type": "string", "minLength": 1},
    "headers": {"type": "object"},
    "query": {"type": "object"},
    "body": {},
    "bodyEncoding": {"type": "string", "enum": ["json","form","text"]},
    "auth": {
      "type": "object",
      "properties": {
        "type": {"type": "string", "enum": ["bearer","basic","apiKey"]},
        "token": {"type": "string"},
        "username": {"type": "string"},
        "password": {"type": "string"},
        "headerName": {"type": "string"},
        "headerValue": {"type": "string"}
      }
    },
    "timeout": {"type": "string"},
    "followRedirects": {"type": "boolean"},
    "maxRedirects": {"type": "integer", "minimum": 0},
    "tlsSkipVerify": {"type": "boolean"},
    "failOnErrorStatus": {"type": "boolean"}
  },
  "required": ["url"]
}`

// HTTPResponseShape is the output of http.request and its shorthands.
var HTTPResponseShape = stepschema.Object(map[string]*stepschema.Shape{
	"statusCode":  stepschema.Integer(),
	"status":      stepschema.String(),
	"headers":     stepschema.Object(nil),
	"body":        stepschema.Null(stepschema.Any()),
	"contentType": stepschema.String(),
	"durationMs":  stepschema.Integer(),
})

// HTTPRequestAction implements "http.request".
type HTTPRequestAction struct {
	config HTTPConfig
}

// NewHTTPRequestAction creates a new http.request action.
func NewHTTPRequestAction(cfg HTTPConfig) *HTTPRequestAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	return &HTTPRequestAction{config: cfg}
}

func (a *HTTPRequestAction) Name() string { return "http.request" }

func (a *HTTPRequestAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "Call an HTTP endpoint (integration step). JSON responses are decoded into body.",
		InputSchema: json.RawMessage(httpRequestInputSchema),
		Output:      HTTPResponseShape,
	}
}

func (a *HTTPRequestAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return validationErrorf(a.Name(), "missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return validationErrorf(a.Name(), "invalid url %q", rawURL)
	}
	if !a.hostAllowed(u.Hostname()) {
		return schema.NewErrorf(schema.ErrCodeNonRetryable, "%s: host %q is not allowed", a.Name(), u.Hostname())
	}
	return nil
}

func (a *HTTPRequestAction) hostAllowed(host string) bool {
	if len(a.config.AllowedHosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, allowed := range a.config.AllowedHosts {
		allowed = strings.ToLower(allowed)
		if host == allowed || (strings.HasPrefix(allowed, ".") && strings.HasSuffix(host, allowed)) {
			return true
		}
	}
	return false
}

func (a *HTTPRequestAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	timeout := a.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil && d > 0 {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := a.buildRequest(reqCtx, params)
	if err != nil {
		return nil, err
	}
	client := a.newClient(params)

	start := time.Now()
	resp, err := client.Do(req)
	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		return nil, executionErrorf(a.Name(), "request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if err != nil {
		return nil, executionErrorf(a.Name(), "read response body: %v", err).WithCause(err)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	contentType := resp.Header.Get("Content-Type")
	result := map[string]any{
		"statusCode":  resp.StatusCode,
		"status":      resp.Status,
		"headers":     headers,
		"body":        decodeBody(contentType, body),
		"contentType": contentType,
		"durationMs":  durationMs,
	}

	if boolParam(params, "failOnErrorStatus", false) && resp.StatusCode >= 400 {
		code := schema.ErrCodeNonRetryable
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			code = schema.ErrCodeActionExecution
		}
		return nil, schema.NewErrorf(code, "%s: server returned %d", a.Name(), resp.StatusCode).
			WithDetails(result)
	}
	return marshalOutput(a.Name(), result)
}

func (a *HTTPRequestAction) buildRequest(ctx context.Context, params map[string]any) (*http.Request, error) {
	method := strings.ToUpper(stringParam(params, "method", http.MethodGet))
	u, _ := url.Parse(stringParam(params, "url", ""))
	if query := mapParam(params, "query"); len(query) > 0 {
		q := u.Query()
		for k, v := range query {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
	}

	var (
		body        io.Reader
		contentType string
	)
	if raw, ok := params["body"]; ok && raw != nil {
		switch stringParam(params, "bodyEncoding", "json") {
		case "form":
			vals := url.Values{}
			if form, ok := raw.(map[string]any); ok {
				for k, v := range form {
					vals.Set(k, fmt.Sprint(v))
				}
			}
			body = strings.NewReader(vals.Encode())
			contentType = "application/x-www-form-urlencoded"
		case "text":
			body = strings.NewReader(fmt.Sprint(raw))
			contentType = "text/plain"
		default:
			b, err := json.Marshal(raw)
			if err != nil {
				return nil, validationErrorf(a.Name(), "body is not JSON serializable: %v", err)
			}
			body = strings.NewReader(string(b))
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, validationErrorf(a.Name(), "build request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range mapParam(params, "headers") {
		req.Header.Set(k, fmt.Sprint(v))
	}
	applyAuth(req, mapParam(params, "auth"))
	return req, nil
}

func applyAuth(req *http.Request, auth map[string]any) {
	switch stringParam(auth, "type", "") {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+stringParam(auth, "token", ""))
	case "basic":
		req.SetBasicAuth(stringParam(auth, "username", ""), stringParam(auth, "password", ""))
	case "apiKey":
		if name := stringParam(auth, "headerName", ""); name != "" {
			req.Header.Set(name, stringParam(auth, "headerValue", ""))
		}
	}
}

// newClient builds a per-call client so redirect and TLS options never leak
// between steps.
func (a *HTTPRequestAction) newClient(params map[string]any) *http.Client {
	var transport http.RoundTripper
	if a.config.Transport != nil {
		transport = a.config.Transport
	} else {
		t := http.DefaultTransport.(*http.Transport).Clone()
		if boolParam(params, "tlsSkipVerify", false) {
			t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		transport = t
	}
	client := &http.Client{Transport: transport}

	if !boolParam(params, "followRedirects", true) {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	} else if limit := intParam(params, "maxRedirects", 10); limit > 0 {
		client.CheckRedirect = func(next *http.Request, via []*http.Request) error {
			if len(via) >= limit {
				return fmt.Errorf("stopped after %d redirects", limit)
			}
			if !a.hostAllowed(next.URL.Hostname()) {
				return fmt.Errorf("redirect to disallowed host")
			}
			return nil
		}
	}
	return client
}

func decodeBody(contentType string, body []byte) any {
	if len(body) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(body, &v); err == nil {
			return v
		}
	}
	return string(body)
}

// methodAction fixes the method of http.request under a shorthand name.
type methodAction struct {
	inner  *HTTPRequestAction
	name   string
	method string
}

// NewHTTPGetAction creates the "http.get" shorthand.
func NewHTTPGetAction(cfg HTTPConfig) Action {
	return &methodAction{inner: NewHTTPRequestAction(cfg), name: "http.get", method: http.MethodGet}
}

// NewHTTPPostAction creates the "http.post" shorthand.
func NewHTTPPostAction(cfg HTTPConfig) Action {
	return &methodAction{inner: NewHTTPRequestAction(cfg), name: "http.post", method: http.MethodPost}
}

func (a *methodAction) Name() string { return a.name }

func (a *methodAction) Schema() ActionSchema {
	s := a.inner.Schema()
	s.Description = fmt.Sprintf("Shorthand for http.request with method %s.", a.method)
	return s
}

func (a *methodAction) Validate(params map[string]any) error { return a.inner.Validate(params) }

func (a *methodAction) Execute(ctx context.Context, input ActionInput) (*ActionOutput, error) {
	params := make(map[string]any, len(input.Params)+1)
	for k, v := range input.Params {
		params[k] = v
	}
	params["method"] = a.method
	input.Params = params
	return a.inner.Execute(ctx, input)
}
