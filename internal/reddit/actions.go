package reddit

import (
	"context"
	"errors"
	"net/url"

	"postscheduler/internal/platform"
)

// Upvote casts an up vote on a comment or post.
func (c *Client) Upvote(ctx context.Context, fullName string) error {
	return c.call(ctx, "POST", "/api/vote", nil, url.Values{"id": {fullName}, "dir": {"1"}}, nil)
}

type commentResponse struct {
	JSON struct {
		Errors apiErrors `json:"errors"`
	} `json:"json"`
}

// Reply comments on the thing with the given full name.
func (c *Client) Reply(ctx context.Context, parentFullName, text string) error {
	var resp commentResponse
	form := url.Values{"api_type": {"json"}, "thing_id": {parentFullName}, "text": {text}}
	if err := c.call(ctx, "POST", "/api/comment", nil, form, &resp); err != nil {
		return err
	}
	return resp.JSON.Errors.err("POST /api/comment")
}

// Me returns the logged-in username, cached after the first lookup.
func (c *Client) Me(ctx context.Context) (string, error) {
	c.mu.Lock()
	me := c.me
	c.mu.Unlock()
	if me != "" {
		return me, nil
	}

	var resp struct {
		Name string `json:"name"`
	}
	if err := c.call(ctx, "GET", "/api/v1/me", nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.Name == "" {
		return "", &platform.Error{Op: "GET /api/v1/me", Kind: platform.ErrAPI, Err: errors.New("no name in response")}
	}
	c.mu.Lock()
	c.me = resp.Name
	c.mu.Unlock()
	return resp.Name, nil
}
