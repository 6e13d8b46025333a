// Package extensiondev is a small client for the extension's admin routes.
package extensiondev

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotListed is returned when removing a subject that is not slowed.
var ErrNotListed = errors.New("shopper is not a slowed user")

type Client struct {
	Base string
	HTTP *http.Client
}

func New(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{Base: strings.TrimRight(base, "/"), HTTP: hc}
}

type subjectReq struct {
	ShopperReference string `json:"shopperReference"`
}

// AddSlowedUser reports false when the shopper was already listed.
func (c *Client) AddSlowedUser(ctx context.Context, shopperReference string) (bool, error) {
	var payload struct {
		Added bool `json:"added"`
	}
	err := c.do(ctx, http.MethodPost, subjectReq{shopperReference}, &payload)
	if err != nil {
		return false, fmt.Errorf("add slowed user: %w", err)
	}
	return payload.Added, nil
}

func (c *Client) ListSlowedUsers(ctx context.Context) ([]string, error) {
	var users []string
	if err := c.do(ctx, http.MethodGet, nil, &users); err != nil {
		return nil, fmt.Errorf("list slowed users: %w", err)
	}
	return users, nil
}

// RemoveSlowedUser returns ErrNotListed when the server answers 404.
func (c *Client) RemoveSlowedUser(ctx context.Context, shopperReference string) error {
	if err := c.do(ctx, http.MethodDelete, subjectReq{shopperReference}, nil); err != nil {
		return fmt.Errorf("remove slowed user: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = strings.NewReader(string(b))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.Base+"/slowed-users", body)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && method == http.MethodDelete {
		return ErrNotListed
	}
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
