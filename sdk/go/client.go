package stagelinesdk

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
)

// Client is a minimal Stageline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

type Initiative struct {
	ID             string  `json:"id"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Site           string  `json:"site"`
	Status         string  `json:"status"`
	CurrentStage   int     `json:"current_stage"`
	AssignedLeadID *string `json:"assigned_lead_id,omitempty"`
	CreatedBy      string  `json:"created_by"`
}

// Transaction is one row of an initiative's stage ledger.
type Transaction struct {
	ID             string          `json:"id"`
	InitiativeID   string          `json:"initiative_id"`
	StageNumber    int             `json:"stage_number"`
	StageName      string          `json:"stage_name"`
	Site           string          `json:"site"`
	Status         string          `json:"status"`
	RequiredRole   string          `json:"required_role"`
	PendingWith    string          `json:"pending_with,omitempty"`
	AssignedUserID *string         `json:"assigned_user_id,omitempty"`
	ActionBy       *string         `json:"action_by,omitempty"`
	ActionAt       *string         `json:"action_at,omitempty"`
	Comment        *string         `json:"comment,omitempty"`
	Flags          map[string]bool `json:"flags,omitempty"`
}

type Progress struct {
	InitiativeID   string `json:"initiative_id"`
	Approved       int    `json:"approved"`
	Materialized   int    `json:"materialized"`
	Percent        int    `json:"percent"`
	PlannedPercent int    `json:"planned_percent"`
}

type Registration struct {
	Initiative Initiative    `json:"initiative"`
	Ledger     []Transaction `json:"ledger"`
}

type ActResult struct {
	Transaction Transaction   `json:"transaction"`
	Initiative  Initiative    `json:"initiative"`
	Next        []Transaction `json:"next,omitempty"`
}

// ActInput is a decision on a pending row. AssignedUserID is required when
// approving stage 3.
type ActInput struct {
	Decision       string          `json:"decision"`
	Comment        string          `json:"comment"`
	AssignedUserID *string         `json:"assigned_user_id,omitempty"`
	Flags          map[string]bool `json:"flags,omitempty"`
}

// APIError wraps non-2xx responses. Code is taken from the error envelope
// when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// CreateInitiative registers an initiative and opens its evaluation stage.
func (c *Client) CreateInitiative(ctx context.Context, title, site, description string) (Registration, error) {
	body := map[string]any{
		"title":       title,
		"site":        site,
		"description": description,
	}
	var resp Registration
	err := c.do(ctx, http.MethodPost, "v1/initiatives", body, &resp)
	return resp, err
}

// Ledger returns the stage rows of an initiative. With visible set, lead rows
// whose predecessor is not yet approved are left out.
func (c *Client) Ledger(ctx context.Context, initiativeID string, visible bool) ([]Transaction, error) {
	endpoint := fmt.Sprintf("v1/initiatives/%s/ledger", url.PathEscape(initiativeID))
	if visible {
		endpoint += "?visible=true"
	}
	var resp []Transaction
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Act(ctx context.Context, transactionID string, in ActInput) (ActResult, error) {
	var resp ActResult
	endpoint := fmt.Sprintf("v1/transactions/%s/act", url.PathEscape(transactionID))
	err := c.do(ctx, http.MethodPost, endpoint, in, &resp)
	return resp, err
}

// Pending lists pending rows for role at site. Both empty lists the caller's own.
func (c *Client) Pending(ctx context.Context, site, role string) ([]Transaction, error) {
	q := url.Values{}
	if site != "" {
		q.Set("site", site)
	}
	if role != "" {
		q.Set("role", role)
	}
	endpoint := "v1/pending"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Transaction
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) Progress(ctx context.Context, initiativeID string) (Progress, error) {
	var resp Progress
	endpoint := fmt.Sprintf("v1/initiatives/%s/progress", url.PathEscape(initiativeID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
