// Package pulse is the Go client SDK for the Conversly Pulse realtime
// platform. It contains the realtime connection manager (Conn), the paginated
// contact list fetcher (ContactList), the agent-inbox state aggregator
// (Inbox), and an HTTP client (Client) for the REST surface those stores
// hydrate from.
package pulse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	v1 "github.com/Conversly/pulse/contracts/realtime/v1"
)

// Client is a Pulse REST API client.
type Client struct {
	BaseURL     string
	AccessToken string
	HTTPClient  *http.Client
}

// NewClient creates a Client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// doRequest performs an HTTP GET and decodes the common error envelope.
func (c *Client) doRequest(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.AccessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessToken)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(body, &errResp)
		return nil, fmt.Errorf("pulse api %d: %s", resp.StatusCode, errResp.Error)
	}

	return body, nil
}

// ListContacts fetches one page of the contact list.
// It implements ContactsAPI so a Client can back a ContactList directly.
func (c *Client) ListContacts(ctx context.Context, q ContactsQuery) (v1.ContactsPage, error) {
	vals := url.Values{}
	vals.Set("ownerId", q.OwnerID)
	if q.Search != "" {
		vals.Set("search", q.Search)
	}
	vals.Set("limit", strconv.Itoa(q.Limit))
	if q.Cursor != "" {
		vals.Set("cursor", q.Cursor)
	}

	body, err := c.doRequest(ctx, "/api/contacts?"+vals.Encode())
	if err != nil {
		return v1.ContactsPage{}, err
	}

	var page v1.ContactsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return v1.ContactsPage{}, err
	}
	return page, nil
}

// ConversationHistory fetches the REST message history for a conversation.
// The result feeds Inbox.SetHistoryFromAPI.
func (c *Client) ConversationHistory(ctx context.Context, conversationID string, limit int) ([]v1.HistoryItem, error) {
	path := "/api/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	body, err := c.doRequest(ctx, path)
	if err != nil {
		return nil, err
	}

	var out struct {
		Data []v1.HistoryItem `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// Escalations fetches the escalation snapshots for an owner.
// The result feeds Inbox.HydrateSnapshots.
func (c *Client) Escalations(ctx context.Context, ownerID string) ([]v1.Escalation, error) {
	vals := url.Values{}
	vals.Set("ownerId", ownerID)

	body, err := c.doRequest(ctx, "/api/escalations?"+vals.Encode())
	if err != nil {
		return nil, err
	}

	var out struct {
		Data []v1.Escalation `json:"data"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}
