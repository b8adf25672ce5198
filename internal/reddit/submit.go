package reddit

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"postscheduler/internal/platform"
	logx "postscheduler/pkg/logx"
)

type submitResponse struct {
	JSON struct {
		Errors apiErrors `json:"errors"`
		Data   struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			URL  string `json:"url"`
			// Media posts are created asynchronously and only report where
			// they will show up.
			UserSubmittedPage string `json:"user_submitted_page"`
		} `json:"data"`
	} `json:"json"`
}

// Submit creates a post. Media is uploaded first; video and thumbnail
// uploads run in parallel.
func (c *Client) Submit(ctx context.Context, s platform.Submission) (platform.SubmissionRef, error) {
	const op = "POST /api/submit"
	form := url.Values{
		"api_type":    {"json"},
		"sr":          {s.Subreddit},
		"title":       {s.Title},
		"sendreplies": {"true"},
		"resubmit":    {"true"},
	}

	switch s.Kind {
	case platform.KindText, "":
		form.Set("kind", "self")
		form.Set("text", s.Text)
	case platform.KindLink:
		form.Set("kind", "link")
		form.Set("url", s.URL)
	case platform.KindImage:
		mediaURL, err := c.uploadMedia(ctx, s.MediaPath)
		if err != nil {
			return platform.SubmissionRef{}, err
		}
		form.Set("kind", "image")
		form.Set("url", mediaURL)
	case platform.KindVideo:
		var videoURL, posterURL string
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() (err error) {
			videoURL, err = c.uploadMedia(gctx, s.MediaPath)
			return err
		})
		if s.ThumbnailPath != "" {
			g.Go(func() (err error) {
				posterURL, err = c.uploadMedia(gctx, s.ThumbnailPath)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return platform.SubmissionRef{}, err
		}
		form.Set("kind", "video")
		form.Set("url", videoURL)
		if posterURL != "" {
			form.Set("video_poster_url", posterURL)
		}
	default:
		return platform.SubmissionRef{}, &platform.Error{Op: op, Kind: platform.ErrAPI, Err: fmt.Errorf("unsupported kind %q", s.Kind)}
	}

	started := time.Now()
	var resp submitResponse
	if err := c.call(ctx, "POST", "/api/submit", nil, form, &resp); err != nil {
		return platform.SubmissionRef{}, err
	}
	if err := resp.JSON.Errors.err(op); err != nil {
		return platform.SubmissionRef{}, err
	}

	d := resp.JSON.Data
	if d.ID != "" {
		ref := platform.SubmissionRef{ID: d.ID, FullName: d.Name, Permalink: permalinkFor(s.Subreddit, d.ID)}
		if ref.FullName == "" {
			ref.FullName = "t3_" + d.ID
		}
		return ref, nil
	}
	return c.resolveSubmitted(ctx, s, started)
}

func permalinkFor(sub, id string) string {
	return fmt.Sprintf("/r/%s/comments/%s/", sub, id)
}

// resolveSubmitted finds an asynchronously created media post in the
// account's own listing.
func (c *Client) resolveSubmitted(ctx context.Context, s platform.Submission, since time.Time) (platform.SubmissionRef, error) {
	const op = "resolve submission"
	me, err := c.Me(ctx)
	if err != nil {
		return platform.SubmissionRef{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ResolveTimeout)
	defer cancel()

	// created_utc has second precision.
	since = since.Add(-2 * time.Second).Truncate(time.Second)
	for {
		l, err := c.listing(ctx, "/user/"+url.PathEscape(me)+"/submitted", url.Values{"sort": {"new"}, "limit": {"10"}})
		if err == nil {
			for _, ch := range l.Data.Children {
				p := ch.Data
				if ch.Kind == "t3" && p.Title == s.Title && strings.EqualFold(p.Subreddit, s.Subreddit) && !p.created().Before(since) {
					return platform.SubmissionRef{ID: p.ID, FullName: p.Name, Permalink: p.Permalink}, nil
				}
			}
		} else {
			c.log.Debug("reddit.resolve_retry", logx.Err(err))
		}

		t := time.NewTimer(c.cfg.ResolveEvery)
		select {
		case <-ctx.Done():
			t.Stop()
			cause := ctx.Err()
			if err != nil {
				cause = errors.Join(cause, err)
			}
			return platform.SubmissionRef{}, &platform.Error{Op: op, Kind: platform.ErrAPI, Err: fmt.Errorf("media post did not appear: %w", cause)}
		case <-t.C:
		}
	}
}
