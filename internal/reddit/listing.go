package reddit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"postscheduler/internal/platform"
)

type listing struct {
	Data struct {
		Children []thing `json:"children"`
	} `json:"data"`
}

type thing struct {
	Kind string    `json:"kind"`
	Data thingData `json:"data"`
}

type thingData struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Author     string          `json:"author"`
	Subreddit  string          `json:"subreddit"`
	Title      string          `json:"title"`
	Selftext   string          `json:"selftext"`
	Body       string          `json:"body"`
	Permalink  string          `json:"permalink"`
	CreatedUTC float64         `json:"created_utc"`
	Replies    json.RawMessage `json:"replies"`
}

func (d thingData) created() time.Time {
	return time.Unix(int64(d.CreatedUTC), 0).UTC()
}

func (d thingData) author() string {
	if d.Author == "[deleted]" {
		return ""
	}
	return d.Author
}

func (c *Client) listing(ctx context.Context, path string, q url.Values) (listing, error) {
	var l listing
	err := c.call(ctx, "GET", path, q, nil, &l)
	return l, err
}

// CommentsOn polls the comment tree of one post.
func (c *Client) CommentsOn(submissionID string) platform.Source {
	return &commentSource{c: c, id: submissionID}
}

// SubmissionsBy polls the newest posts of one user.
func (c *Client) SubmissionsBy(user string) platform.Source {
	return &submissionSource{c: c, user: user}
}

type commentSource struct {
	c  *Client
	id string
}

// Fetch returns every comment of the post's first page, replies included.
func (s *commentSource) Fetch(ctx context.Context) ([]platform.Event, error) {
	var pages []listing
	q := url.Values{"sort": {"new"}, "limit": {strconv.Itoa(s.c.cfg.ListingLimit)}}
	if err := s.c.call(ctx, "GET", "/comments/"+url.PathEscape(s.id), q, nil, &pages); err != nil {
		return nil, err
	}
	var out []platform.Event
	if len(pages) > 1 {
		out = flattenComments(pages[1].Data.Children, out)
	}
	return out, nil
}

func flattenComments(children []thing, out []platform.Event) []platform.Event {
	for _, ch := range children {
		if ch.Kind != "t1" {
			continue
		}
		d := ch.Data
		out = append(out, platform.Event{
			ID:        d.ID,
			FullName:  d.Name,
			Kind:      platform.EventComment,
			Author:    d.author(),
			Body:      d.Body,
			Permalink: d.Permalink,
			CreatedAt: d.created(),
		})
		// "replies" is an empty string when there are none.
		if r := bytes.TrimSpace(d.Replies); len(r) > 0 && r[0] == '{' {
			var sub listing
			if err := json.Unmarshal(r, &sub); err == nil {
				out = flattenComments(sub.Data.Children, out)
			}
		}
	}
	return out
}

type submissionSource struct {
	c    *Client
	user string
}

func (s *submissionSource) Fetch(ctx context.Context) ([]platform.Event, error) {
	q := url.Values{"sort": {"new"}, "limit": {strconv.Itoa(s.c.cfg.ListingLimit)}}
	l, err := s.c.listing(ctx, "/user/"+url.PathEscape(s.user)+"/submitted", q)
	if err != nil {
		return nil, err
	}
	out := make([]platform.Event, 0, len(l.Data.Children))
	for _, ch := range l.Data.Children {
		if ch.Kind != "t3" {
			continue
		}
		d := ch.Data
		out = append(out, platform.Event{
			ID:        d.ID,
			FullName:  d.Name,
			Kind:      platform.EventSubmission,
			Author:    d.author(),
			Title:     d.Title,
			Body:      d.Selftext,
			Permalink: d.Permalink,
			CreatedAt: d.created(),
		})
	}
	return out, nil
}
