package adapters

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Default upstream endpoints for the built-in toolset. Constructors accept
// overrides so tests can point adapters at local servers.
const (
	DefaultSerpAPIBaseURL = "https://serpapi.com"
	DefaultOpenAIBaseURL  = "https://api.openai.com"
	DefaultGmailBaseURL   = "https://gmail.googleapis.com"
)

// maxResponseBytes bounds how much of an upstream body is read back.
const maxResponseBytes = 10 << 20

// NewLiveRegistry registers the built-in toolset against real upstreams.
// The client's timeout is left alone; per-attempt deadlines arrive on ctx.
func NewLiveRegistry(client *http.Client) *Registry {
	if client == nil {
		client = http.DefaultClient
	}
	reg := NewRegistry()
	reg.Register("serpapi", "search", &SerpAPI{client: client, baseURL: DefaultSerpAPIBaseURL})
	reg.Register("http_fetch", "get", &HTTPFetch{client: client})
	reg.Register("openai", "chat", &OpenAI{client: client, baseURL: DefaultOpenAIBaseURL})
	reg.Register("gmail_send", "send", &Gmail{client: client, baseURL: DefaultGmailBaseURL})
	return reg
}

// exchange performs one request and classifies the outcome. The body is
// returned only for 2xx/3xx statuses.
func exchange(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, Classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Classify(err)
	}
	if resp.StatusCode >= 400 {
		return nil, StatusError(resp.StatusCode)
	}
	return body, nil
}

// SerpAPI calls the SerpAPI search endpoint. The credential is the API key.
type SerpAPI struct {
	client  *http.Client
	baseURL string
}

// NewSerpAPI builds the adapter against baseURL (empty means production).
func NewSerpAPI(client *http.Client, baseURL string) *SerpAPI {
	if baseURL == "" {
		baseURL = DefaultSerpAPIBaseURL
	}
	return &SerpAPI{client: client, baseURL: baseURL}
}

func (a *SerpAPI) Invoke(ctx context.Context, params map[string]any, credential []byte) ([]byte, error) {
	q, _ := params["q"].(string)
	engine, _ := params["engine"].(string)
	if engine == "" {
		engine = "google"
	}

	values := url.Values{}
	values.Set("engine", engine)
	values.Set("q", q)
	values.Set("api_key", string(credential))
	values.Set("output", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/search?"+values.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("adapters: build serpapi request: %w", err)
	}
	return exchange(a.client, req)
}

// HTTPFetch retrieves an arbitrary URL. The policy layer constrains which
// domains are reachable before the adapter ever runs. A non-empty
// credential is sent as a bearer token.
type HTTPFetch struct {
	client *http.Client
}

// NewHTTPFetch builds the adapter.
func NewHTTPFetch(client *http.Client) *HTTPFetch {
	return &HTTPFetch{client: client}
}

func (a *HTTPFetch) Invoke(ctx context.Context, params map[string]any, credential []byte) ([]byte, error) {
	target, _ := params["url"].(string)
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &UpstreamError{Reason: "upstream", Status: http.StatusBadRequest}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("adapters: build fetch request: %w", err)
	}
	if len(credential) > 0 {
		req.Header.Set("Authorization", "Bearer "+string(credential))
	}
	return exchange(a.client, req)
}

// OpenAI posts a chat completion. Params pass through opaquely as the
// request body; a missing model falls back to a default.
type OpenAI struct {
	client  *http.Client
	baseURL string
}

// NewOpenAI builds the adapter against baseURL (empty means production).
func NewOpenAI(client *http.Client, baseURL string) *OpenAI {
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}
	return &OpenAI{client: client, baseURL: baseURL}
}

func (a *OpenAI) Invoke(ctx context.Context, params map[string]any, credential []byte) ([]byte, error) {
	payload := make(map[string]any, len(params)+1)
	for k, v := range params {
		payload[k] = v
	}
	if _, ok := payload["model"]; !ok {
		payload["model"] = "gpt-4o-mini"
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("adapters: encode chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("adapters: build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+string(credential))
	return exchange(a.client, req)
}

// Gmail sends a message through the Gmail API. The RFC 822 payload is
// assembled from to/subject/body params.
type Gmail struct {
	client  *http.Client
	baseURL string
}

// NewGmail builds the adapter against baseURL (empty means production).
func NewGmail(client *http.Client, baseURL string) *Gmail {
	if baseURL == "" {
		baseURL = DefaultGmailBaseURL
	}
	return &Gmail{client: client, baseURL: baseURL}
}

func (a *Gmail) Invoke(ctx context.Context, params map[string]any, credential []byte) ([]byte, error) {
	to, _ := params["to"].(string)
	subject, _ := params["subject"].(string)
	text, _ := params["body"].(string)

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(text)

	body, err := json.Marshal(map[string]string{
		"raw": base64.URLEncoding.EncodeToString(msg.Bytes()),
	})
	if err != nil {
		return nil, fmt.Errorf("adapters: encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/gmail/v1/users/me/messages/send", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("adapters: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+string(credential))
	return exchange(a.client, req)
}
