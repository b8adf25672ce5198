// Package policy decides how to react to a newly observed comment or post
// and performs the reaction.
package policy

import (
	"encoding/json"
	"sync/atomic"
)

// Policy selects the reactions applied to each event.
type Policy struct {
	Like    bool `json:"like"`
	Reply   bool `json:"reply"`
	Summary bool `json:"summary"`
	// ReplyTemplate, when set, is posted verbatim instead of a generated
	// reply. Comment monitors only.
	ReplyTemplate string `json:"reply_template,omitempty"`
}

// Provider is read once per event, so a monitor sees policy changes as soon
// as they are stored.
type Provider interface {
	Policy() Policy
}

// Static is a fixed policy.
type Static Policy

func (s Static) Policy() Policy { return Policy(s) }

// Friends is the process-wide policy for monitors of tracked accounts.
type Friends struct {
	AutoLike    bool `json:"auto_like"`
	AutoSummary bool `json:"auto_summary"`
	AutoComment bool `json:"auto_comment"`
}

// DefaultFriends enables everything.
var DefaultFriends = Friends{AutoLike: true, AutoSummary: true, AutoComment: true}

// FriendStore holds the current Friends policy. The last Store wins.
type FriendStore struct {
	p atomic.Pointer[Friends]
}

func NewFriendStore(f Friends) *FriendStore {
	s := &FriendStore{}
	s.Store(f)
	return s
}

func (s *FriendStore) Load() Friends {
	if f := s.p.Load(); f != nil {
		return *f
	}
	return DefaultFriends
}

func (s *FriendStore) Store(f Friends) { s.p.Store(&f) }

func (s *FriendStore) Policy() Policy {
	f := s.Load()
	return Policy{Like: f.AutoLike, Summary: f.AutoSummary, Reply: f.AutoComment}
}

func (s *FriendStore) MarshalJSON() ([]byte, error) { return json.Marshal(s.Load()) }
