package reddit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"postscheduler/internal/platform"
	logx "postscheduler/pkg/logx"
)

type fakeReddit struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	submits []map[string]string
	uploads []string
	votes   []string
	replies map[string]string

	tokens     atomic.Int32
	rejectOnce atomic.Bool
}

func newFakeReddit(t *testing.T) *fakeReddit {
	f := &fakeReddit{t: t, replies: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/access_token", func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		if !ok || id != "cid" || secret != "secret" || r.FormValue("username") != "poster" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
			return
		}
		n := f.tokens.Add(1)
		writeJSON(w, map[string]any{"access_token": fmt.Sprintf("tok%d", n), "expires_in": 3600})
	})
	mux.HandleFunc("GET /api/v1/me", f.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"name": "poster"})
	}))
	mux.HandleFunc("POST /api/submit", f.authed(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		rec := map[string]string{}
		for k := range r.PostForm {
			rec[k] = r.PostForm.Get(k)
		}
		f.mu.Lock()
		f.submits = append(f.submits, rec)
		f.mu.Unlock()
		switch {
		case rec["sr"] == "nosuchsub":
			writeJSON(w, map[string]any{"json": map[string]any{"errors": [][]string{{"SUBREDDIT_NOEXIST", "that subreddit doesn't exist", "sr"}}}})
		case rec["kind"] == "image" || rec["kind"] == "video":
			writeJSON(w, map[string]any{"json": map[string]any{"errors": []any{}, "data": map[string]any{"user_submitted_page": "https://reddit.com/user/poster/submitted/"}}})
		default:
			writeJSON(w, map[string]any{"json": map[string]any{"errors": []any{}, "data": map[string]any{"id": "abc123", "name": "t3_abc123", "url": "https://reddit.com/r/golang/comments/abc123/hello/"}}})
		}
	}))
	mux.HandleFunc("POST /api/media/asset.json", f.authed(func(w http.ResponseWriter, r *http.Request) {
		name := r.FormValue("filepath")
		writeJSON(w, map[string]any{
			"args": map[string]any{
				"action": f.srv.URL + "/upload",
				"fields": []map[string]string{{"name": "key", "value": "media/" + name}, {"name": "acl", "value": "private"}},
			},
			"asset": map[string]any{"asset_id": "asset-" + name},
		})
	}))
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		file, hdr, err := r.FormFile("file")
		if err != nil || r.FormValue("key") == "" {
			http.Error(w, "bad upload", http.StatusBadRequest)
			return
		}
		file.Close()
		f.mu.Lock()
		f.uploads = append(f.uploads, hdr.Filename)
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("<PostResponse/>"))
	})
	mux.HandleFunc("GET /user/poster/submitted", f.authed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"data": map[string]any{"children": []map[string]any{
			{"kind": "t3", "data": map[string]any{"id": "old1", "name": "t3_old1", "title": "Holiday", "subreddit": "pics", "permalink": "/r/pics/comments/old1/holiday/", "created_utc": 1000}},
			{"kind": "t3", "data": map[string]any{"id": "vid9", "name": "t3_vid9", "title": "Holiday", "subreddit": "pics", "permalink": "/r/pics/comments/vid9/holiday/", "created_utc": float64(time.Now().Unix())}},
		}}})
	}))
	mux.HandleFunc("POST /api/vote", f.authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.votes = append(f.votes, r.FormValue("id")+":"+r.FormValue("dir"))
		f.mu.Unlock()
		writeJSON(w, map[string]any{})
	}))
	mux.HandleFunc("POST /api/comment", f.authed(func(w http.ResponseWriter, r *http.Request) {
		if r.FormValue("thing_id") == "t1_locked" {
			writeJSON(w, map[string]any{"json": map[string]any{"errors": [][]string{{"RATELIMIT", "you are doing that too much", ""}}}})
			return
		}
		f.mu.Lock()
		f.replies[r.FormValue("thing_id")] = r.FormValue("text")
		f.mu.Unlock()
		writeJSON(w, map[string]any{"json": map[string]any{"errors": []any{}}})
	}))
	mux.HandleFunc("GET /comments/abc123", f.authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"kind":"Listing","data":{"children":[{"kind":"t3","data":{"id":"abc123"}}]}},
			{"kind":"Listing","data":{"children":[
				{"kind":"t1","data":{"id":"c1","name":"t1_c1","author":"alice","body":"nice","created_utc":10,
					"replies":{"kind":"Listing","data":{"children":[
						{"kind":"t1","data":{"id":"c2","name":"t1_c2","author":"[deleted]","body":"[deleted]","created_utc":11,"replies":""}}
					]}}}},
				{"kind":"more","data":{"id":"m1"}},
				{"kind":"t1","data":{"id":"c3","name":"t1_c3","author":"bob","body":"hi","created_utc":12,"replies":""}}
			]}}]`))
	}))
	mux.HandleFunc("GET /user/throttled/submitted", f.authed(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeReddit) authed(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f.rejectOnce.CompareAndSwap(true, false) || r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("raw_json") != "1" {
			http.Error(w, "raw_json missing", http.StatusBadRequest)
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(f *fakeReddit) *Client {
	return New(Config{
		ClientID: "cid", ClientSecret: "secret", Username: "poster", Password: "pw",
		APIURL: f.srv.URL, AuthURL: f.srv.URL,
		RatePerSec: 1000, Burst: 100,
		ResolveTimeout: 2 * time.Second, ResolveEvery: 10 * time.Millisecond,
	}, logx.Nop())
}

func TestSubmitTextAndLink(t *testing.T) {
	f := newFakeReddit(t)
	c := newTestClient(f)
	ctx := context.Background()

	ref, err := c.Submit(ctx, platform.Submission{Subreddit: "golang", Title: "hello", Kind: platform.KindText, Text: "body"})
	require.NoError(t, err)
	require.Equal(t, "abc123", ref.ID)
	require.Equal(t, "t3_abc123", ref.FullName)
	require.Equal(t, "https://reddit.com/r/golang/comments/abc123/", ref.Link())

	_, err = c.Submit(ctx, platform.Submission{Subreddit: "golang", Title: "a link", Kind: platform.KindLink, URL: "https://go.dev"})
	require.NoError(t, err)

	require.Len(t, f.submits, 2)
	require.Equal(t, "self", f.submits[0]["kind"])
	require.Equal(t, "body", f.submits[0]["text"])
	require.Equal(t, "true", f.submits[0]["sendreplies"])
	require.Equal(t, "link", f.submits[1]["kind"])
	require.Equal(t, "https://go.dev", f.submits[1]["url"])
	require.EqualValues(t, 1, f.tokens.Load(), "token should be cached")
}

func TestSubmitAPIErrorIsClassified(t *testing.T) {
	f := newFakeReddit(t)
	c := newTestClient(f)
	_, err := c.Submit(context.Background(), platform.Submission{Subreddit: "nosuchsub", Title: "x"})
	require.ErrorIs(t, err, platform.ErrAPI)
	require.Contains(t, err.Error(), "SUBREDDIT_NOEXIST")
}

func TestSubmitVideoUploadsMediaInParallelAndResolves(t *testing.T) {
	f := newFakeReddit(t)
	c := newTestClient(f)
	dir := t.TempDir()
	video := filepath.Join(dir, "clip.mp4")
	thumb := filepath.Join(dir, "thumb.png")
	require.NoError(t, os.WriteFile(video, []byte("video-bytes"), 0o600))
	require.NoError(t, os.WriteFile(thumb, []byte("png-bytes"), 0o600))

	ref, err := c.Submit(context.Background(), platform.Submission{
		Subreddit: "pics", Title: "Holiday", Kind: platform.KindVideo, MediaPath: video, ThumbnailPath: thumb,
	})
	require.NoError(t, err)
	require.Equal(t, "vid9", ref.ID)
	require.Equal(t, "/r/pics/comments/vid9/holiday/", ref.Permalink)

	require.ElementsMatch(t, []string{"clip.mp4", "thumb.png"}, f.uploads)
	sub := f.submits[0]
	require.Equal(t, "video", sub["kind"])
	require.Equal(t, f.srv.URL+"/upload/media/clip.mp4", sub["url"])
	require.Equal(t, f.srv.URL+"/upload/media/thumb.png", sub["video_poster_url"])
}

func TestSubmitImageMissingFile(t *testing.T) {
	f := newFakeReddit(t)
	c := newTestClient(f)
	_, err := c.Submit(context.Background(), platform.Submission{Subreddit: "pics", Title: "x", Kind: platform.KindImage, MediaPath: filepath.Join(t.TempDir(), "nope.png")})
	require.ErrorIs(t, err, platform.ErrTransport)
	require.ErrorIs(t, err, os.ErrNotExist)
	require.Empty(t, f.submits)
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	f := newFakeReddit(t)
	c := newTestClient(f)
	ctx := context.Background()
	_, err := c.Me(ctx)
	require.NoError(t, err)

	f.rejectOnce.Store(true)
	require.NoError(t, c.Upvote(ctx, "t1_c1"))
	require.EqualValues(t, 2, f.tokens.Load())
	require.Equal(t, []string{"t1_c1:1"}, f.votes)
}

func TestReplyAndRateLimit(t *testing.T) {
	f := newFakeReddit(t)
	c := newTestClient(f)
	ctx := context.Background()

	require.NoError(t, c.Reply(ctx, "t1_c1", "thanks"))
	require.Equal(t, "thanks", f.replies["t1_c1"])

	err := c.Reply(ctx, "t1_locked", "again")
	require.ErrorIs(t, err, platform.ErrRateLimited)

	_, err = c.SubmissionsBy("throttled").Fetch(ctx)
	require.ErrorIs(t, err, platform.ErrRateLimited)
	var pe *platform.Error
	require.True(t, errors.As(err, &pe))
	require.Equal(t, http.StatusTooManyRequests, pe.Status)
	require.Contains(t, err.Error(), "retry after 7s")
}

func TestCommentSourceFlattensTree(t *testing.T) {
	f := newFakeReddit(t)
	c := newTestClient(f)
	evs, err := c.CommentsOn("abc123").Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, evs, 3)
	require.Equal(t, []string{"c1", "c2", "c3"}, []string{evs[0].ID, evs[1].ID, evs[2].ID})
	require.Equal(t, "alice", evs[0].Author)
	require.Empty(t, evs[1].Author, "deleted authors are blanked")
	require.Equal(t, platform.EventComment, evs[2].Kind)
	require.Equal(t, time.Unix(12, 0).UTC(), evs[2].CreatedAt)
}

func TestSubmissionSource(t *testing.T) {
	f := newFakeReddit(t)
	c := newTestClient(f)
	evs, err := c.SubmissionsBy("poster").Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, evs, 2)
	require.Equal(t, platform.EventSubmission, evs[0].Kind)
	require.Equal(t, "Holiday", evs[0].Title)
	require.Equal(t, "t3_old1", evs[0].FullName)
}

func TestTransportErrorWhenServerDown(t *testing.T) {
	f := newFakeReddit(t)
	c := newTestClient(f)
	f.srv.Close()
	err := c.Upvote(context.Background(), "t1_x")
	require.ErrorIs(t, err, platform.ErrTransport)
}
