package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"clawbrick/internal/agents"
)

// Client calls a running control plane over HTTP.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Error is a non-2xx response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

type DeployResult struct {
	Success bool `json:"success"`
	Agent   struct {
		ID           string `json:"id"`
		Name         string `json:"name"`
		Status       string `json:"status"`
		Subdomain    string `json:"subdomain"`
		DeployRegion string `json:"deployRegion"`
	} `json:"agent"`
	GatewayToken string `json:"gatewayToken"`
	Message      string `json:"message"`
}

type ActionResult struct {
	Success bool   `json:"success"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *Client) Deploy(ctx context.Context, req agents.DeployRequest) (*DeployResult, error) {
	var out DeployResult
	if err := c.call(ctx, http.MethodPost, "/api/agents", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) List(ctx context.Context, ownerID string) ([]agents.AgentView, error) {
	var out struct {
		Agents []agents.AgentView `json:"agents"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/agents?userId="+url.QueryEscape(ownerID), nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

func (c *Client) Get(ctx context.Context, id string) (*agents.AgentView, error) {
	var out agents.AgentView
	if err := c.call(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Status(ctx context.Context, id string) (*agents.StatusView, error) {
	var out agents.StatusView
	if err := c.call(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(id)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Lifecycle(ctx context.Context, id string, action agents.Action) (*ActionResult, error) {
	var out ActionResult
	body := map[string]agents.Action{"action": action}
	if err := c.call(ctx, http.MethodPatch, "/api/agents/"+url.PathEscape(id), body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Destroy(ctx context.Context, id string) (*ActionResult, error) {
	var out ActionResult
	if err := c.call(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Verify reports whether token is the agent's gateway token.
func (c *Client) Verify(ctx context.Context, id, token string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	body := map[string]string{"token": token}
	if err := c.call(ctx, http.MethodPost, "/api/agents/"+url.PathEscape(id)+"/verify", body, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (c *Client) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(res.Body).Decode(&e)
		return &Error{StatusCode: res.StatusCode, Message: e.Error}
	}
	return json.NewDecoder(res.Body).Decode(out)
}
