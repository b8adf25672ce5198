// Package reddit is a small Reddit API client covering what the scheduler
// needs: script-app login, submissions with media, votes, replies and the
// listings the monitors poll.
package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"postscheduler/internal/platform"
	logx "postscheduler/pkg/logx"
)

const (
	DefaultAPIURL  = "https://oauth.reddit.com"
	DefaultAuthURL = "https://www.reddit.com"
)

type Config struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	UserAgent    string

	APIURL  string
	AuthURL string

	// RatePerSec and Burst bound outgoing API calls.
	RatePerSec float64
	Burst      int
	Timeout    time.Duration

	// ListingLimit is the page size of polled listings.
	ListingLimit int
	// ResolveTimeout bounds the wait for a media post to show up in the
	// account's listing.
	ResolveTimeout time.Duration
	ResolveEvery   time.Duration
}

func (c Config) withDefaults() Config {
	if c.APIURL == "" {
		c.APIURL = DefaultAPIURL
	}
	if c.AuthURL == "" {
		c.AuthURL = DefaultAuthURL
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	c.AuthURL = strings.TrimRight(c.AuthURL, "/")
	if c.UserAgent == "" {
		c.UserAgent = "postscheduler/1.0"
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.ListingLimit <= 0 || c.ListingLimit > 100 {
		c.ListingLimit = 100
	}
	if c.ResolveTimeout <= 0 {
		c.ResolveTimeout = time.Minute
	}
	if c.ResolveEvery <= 0 {
		c.ResolveEvery = 2 * time.Second
	}
	return c
}

// Client implements platform.Client. It is safe for concurrent use.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	mu      sync.Mutex
	token   string
	expires time.Time
	me      string
}

var _ platform.Client = (*Client)(nil)

func New(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log.With(logx.String("comp", "reddit")),
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	Error       string `json:"error"`
}

// accessToken returns a cached bearer token, logging in with the password
// grant when it is missing or about to expire.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.expires) > time.Minute {
		return c.token, nil
	}

	const op = "POST /api/v1/access_token"
	form := url.Values{
		"grant_type": {"password"},
		"username":   {c.cfg.Username},
		"password":   {c.cfg.Password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AuthURL+"/api/v1/access_token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", &platform.Error{Op: op, Kind: platform.ErrTransport, Err: err}
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	var tr tokenResponse
	if err := c.send(req, op, &tr); err != nil {
		return "", err
	}
	if tr.AccessToken == "" {
		msg := tr.Error
		if msg == "" {
			msg = "no access token in response"
		}
		return "", &platform.Error{Op: op, Kind: platform.ErrAPI, Err: errors.New(msg)}
	}
	c.token = tr.AccessToken
	c.expires = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	c.log.Debug("reddit.token_refreshed", logx.Time("expires", c.expires))
	return c.token, nil
}

func (c *Client) dropToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// call performs an authenticated API request. A form makes it a POST.
// A 401 refreshes the token and retries once.
func (c *Client) call(ctx context.Context, method, path string, query, form url.Values, out any) error {
	op := method + " " + path
	for attempt := 0; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return &platform.Error{Op: op, Kind: platform.ErrTransport, Err: err}
		}
		tok, err := c.accessToken(ctx)
		if err != nil {
			return err
		}

		u := c.cfg.APIURL + path
		if query == nil {
			query = url.Values{}
		}
		query.Set("raw_json", "1")
		u += "?" + query.Encode()

		var body io.Reader
		if form != nil {
			body = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return &platform.Error{Op: op, Kind: platform.ErrTransport, Err: err}
		}
		req.Header.Set("Authorization", "bearer "+tok)
		req.Header.Set("User-Agent", c.cfg.UserAgent)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}

		err = c.send(req, op, out)
		var pe *platform.Error
		if attempt == 0 && errors.As(err, &pe) && pe.Status == http.StatusUnauthorized {
			c.dropToken()
			continue
		}
		return err
	}
}

// send executes req and decodes a JSON body into out, mapping failures onto
// the platform error kinds.
func (c *Client) send(req *http.Request, op string, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &platform.Error{Op: op, Kind: platform.ErrTransport, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &platform.Error{Op: op, Kind: platform.ErrTransport, Status: resp.StatusCode, Err: err}
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &platform.Error{Op: op, Kind: platform.ErrRateLimited, Status: resp.StatusCode, Err: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return &platform.Error{Op: op, Kind: platform.ErrTransport, Status: resp.StatusCode, Err: errors.New(snippet(raw))}
	case resp.StatusCode >= 400:
		return &platform.Error{Op: op, Kind: platform.ErrAPI, Status: resp.StatusCode, Err: errors.New(snippet(raw))}
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &platform.Error{Op: op, Kind: platform.ErrTransport, Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func retryAfter(resp *http.Response) error {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return fmt.Errorf("retry after %ds", secs)
		}
	}
	if v := resp.Header.Get("X-Ratelimit-Reset"); v != "" {
		return fmt.Errorf("window resets in %ss", v)
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "…"
	}
	if s == "" {
		s = "empty body"
	}
	return s
}

// apiErrors is the "json.errors" block of api_type=json responses:
// [["CODE", "message", "field"], ...].
type apiErrors [][]any

func (e apiErrors) err(op string) error {
	if len(e) == 0 {
		return nil
	}
	parts := make([]string, 0, len(e))
	kind := platform.ErrAPI
	for _, item := range e {
		strs := make([]string, 0, len(item))
		for _, v := range item {
			if s, ok := v.(string); ok && s != "" {
				strs = append(strs, s)
			}
		}
		if len(strs) > 0 && strs[0] == "RATELIMIT" {
			kind = platform.ErrRateLimited
		}
		parts = append(parts, strings.Join(strs, ": "))
	}
	return &platform.Error{Op: op, Kind: kind, Err: errors.New(strings.Join(parts, "; "))}
}
