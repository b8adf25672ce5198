// Package platform describes the social platform the scheduler posts to and
// watches, independent of any concrete client.
package platform

import (
	"context"
	"strings"
	"time"
)

// BaseURL prefixes permalinks to form user-facing links.
const BaseURL = "https://reddit.com"

type Kind string

const (
	KindText  Kind = "text"
	KindLink  Kind = "link"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// Submission is one post to be created.
type Submission struct {
	Subreddit string
	Title     string
	Kind      Kind
	Text      string // KindText
	URL       string // KindLink
	MediaPath string // KindImage, KindVideo
	// ThumbnailPath is the optional poster image of a video.
	ThumbnailPath string
}

// SubmissionRef identifies a created post.
type SubmissionRef struct {
	ID        string `json:"id"`
	FullName  string `json:"fullname"`
	Permalink string `json:"permalink"`
}

// Link returns the absolute URL of the post.
func (r SubmissionRef) Link() string { return ToLink(r.Permalink) }

func ToLink(permalink string) string {
	if permalink == "" || strings.HasPrefix(permalink, "http") {
		return permalink
	}
	return BaseURL + permalink
}

type EventKind string

const (
	EventComment    EventKind = "comment"
	EventSubmission EventKind = "submission"
)

// Event is one new item observed on a watched source.
type Event struct {
	ID string
	// FullName is the thing id used by votes and replies ("t1_…", "t3_…").
	FullName  string
	Kind      EventKind
	Author    string // empty when deleted
	Title     string // submissions only
	Body      string // comment body or self text
	Permalink string
	CreatedAt time.Time
}

// Submitter creates posts.
type Submitter interface {
	Submit(ctx context.Context, s Submission) (SubmissionRef, error)
}

// Reactor acts on existing things by full name.
type Reactor interface {
	Upvote(ctx context.Context, fullName string) error
	Reply(ctx context.Context, parentFullName, text string) error
}

// Identity resolves the account the client is logged in as.
type Identity interface {
	Me(ctx context.Context) (string, error)
}

// Source is a pollable listing of recent events, newest first or in any
// order; the stream watcher dedupes.
type Source interface {
	Fetch(ctx context.Context) ([]Event, error)
}

// Sources builds event sources for the two watch kinds.
type Sources interface {
	CommentsOn(submissionID string) Source
	SubmissionsBy(user string) Source
}

// Client is everything the scheduler needs from the platform.
type Client interface {
	Submitter
	Reactor
	Identity
	Sources
}
