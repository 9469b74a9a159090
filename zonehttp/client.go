// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package zonehttp implements the zonesync.RemoteStore interface over a
// JSON/HTTP API secured with bearer tokens.
package zonehttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mobiletoly/go-zonesync/zonesync"
)

// TokenSource supplies the bearer token for each request, typically a JWT
// minted per device.
type TokenSource func(ctx context.Context) (string, error)

// Client talks to a zone sync server. It implements zonesync.RemoteStore.
type Client struct {
	BaseURL string
	Token   TokenSource
	HTTP    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, token TokenSource) *Client {
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 120 * time.Second},
	}
}

var _ zonesync.RemoteStore = (*Client)(nil)

type accountStatusResponse struct {
	Status string `json:"status"`
}

// AccountStatus asks the server whether the authenticated account can
// sync.
func (c *Client) AccountStatus(ctx context.Context) (zonesync.AccountStatus, error) {
	var resp accountStatusResponse
	if err := c.get(ctx, "/zonesync/account", &resp); err != nil {
		return zonesync.AccountCouldNotDetermine, err
	}
	switch resp.Status {
	case "available":
		return zonesync.AccountAvailable, nil
	case "noAccount":
		return zonesync.AccountNoAccount, nil
	case "restricted":
		return zonesync.AccountRestricted, nil
	case "temporarilyUnavailable":
		return zonesync.AccountTemporarilyUnavailable, nil
	default:
		return zonesync.AccountCouldNotDetermine, nil
	}
}

// SaveZone creates a zone if it does not exist.
func (c *Client) SaveZone(ctx context.Context, zone zonesync.ZoneID) error {
	return c.post(ctx, "/zonesync/zones", zone, nil)
}

// DeleteZone deletes a zone and everything in it.
func (c *Client) DeleteZone(ctx context.Context, zone zonesync.ZoneID) error {
	return c.post(ctx, "/zonesync/zones/delete", zone, nil)
}

type listZonesResponse struct {
	Zones []zonesync.ZoneID `json:"zones"`
}

// ListZones lists the zones visible in a scope.
func (c *Client) ListZones(ctx context.Context, scope zonesync.Scope) ([]zonesync.ZoneID, error) {
	var resp listZonesResponse
	err := c.get(ctx, "/zonesync/zones?scope="+url.QueryEscape(string(scope)), &resp)
	if err != nil {
		return nil, err
	}
	return resp.Zones, nil
}

// SaveBatch submits one per-zone batch of saves and deletes.
func (c *Client) SaveBatch(ctx context.Context, batch *zonesync.SaveBatch) (*zonesync.SaveBatchResult, error) {
	var result zonesync.SaveBatchResult
	if err := c.post(ctx, "/zonesync/records/batch", batch, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// FetchChanges fetches one page of changes for a scope after token.
func (c *Client) FetchChanges(ctx context.Context, scope zonesync.Scope, token string, limit int) (*zonesync.ChangeBatch, error) {
	q := url.Values{}
	q.Set("scope", string(scope))
	q.Set("token", token)
	q.Set("limit", strconv.Itoa(limit))

	var batch zonesync.ChangeBatch
	if err := c.get(ctx, "/zonesync/changes?"+q.Encode(), &batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// AcceptShare redeems a share invite.
func (c *Client) AcceptShare(ctx context.Context, invite zonesync.ShareInvite) (*zonesync.AcceptedShare, error) {
	var accepted zonesync.AcceptedShare
	if err := c.post(ctx, "/zonesync/shares/accept", invite, &accepted); err != nil {
		return nil, err
	}
	return &accepted, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(ctx, req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	return c.send(ctx, req, out)
}

func (c *Client) send(ctx context.Context, req *http.Request, out any) error {
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		if isNetworkError(err) {
			return zonesync.NewTransientError(err)
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return zonesync.ErrNotAuthenticated
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(resp.Body)
		return zonesync.NewTransientError(
			fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body)))
	default:
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
