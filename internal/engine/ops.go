package engine

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/h4rm0n1c/tsraild/internal/store"
)

// Snapshot renders the current state as the exported wire shape.
func (e *Engine) Snapshot() Snapshot {
	var snap Snapshot
	e.do(func() { snap = e.buildSnapshot() })
	return snap
}

// Overview is the condensed state reported by the control surface status
// command.
type Overview struct {
	SchandlerID int
	ChannelID   int
	ChannelName string
	Counts      Counts
}

// StatusOverview reports the monitored channel and presence counts.
func (e *Engine) StatusOverview() Overview {
	var ov Overview
	e.do(func() {
		mc := e.monitorChannelID()
		ov = Overview{
			SchandlerID: e.schandlerID,
			ChannelID:   mc,
			ChannelName: e.channelName(mc),
			Counts:      e.counts(mc),
		}
	})
	return ov
}

// Channels lists known channels sorted by name.
func (e *Engine) Channels() []Channel {
	var out []Channel
	e.do(func() { out = e.buildChannels() })
	return out
}

// ApprovedList returns the approved identities in sorted order.
func (e *Engine) ApprovedList() []string {
	var out []string
	e.do(func() { out = sortedSet(e.config.Approved) })
	return out
}

// IgnoreList returns the ignored identities in sorted order.
func (e *Engine) IgnoreList() []string {
	var out []string
	e.do(func() { out = sortedSet(e.config.Ignored) })
	return out
}

// ApproveUID adds uid to the approval set. Idempotent; persisted before
// the in-memory state changes.
func (e *Engine) ApproveUID(uid string) error {
	var err error
	e.do(func() {
		err = e.commitConfig(func(c *store.Config) {
			c.Approved[uid] = struct{}{}
		})
	})
	return err
}

// UnapproveUID removes uid from the approval set. Idempotent.
func (e *Engine) UnapproveUID(uid string) error {
	var err error
	e.do(func() {
		err = e.commitConfig(func(c *store.Config) {
			delete(c.Approved, uid)
		})
	})
	return err
}

// ApproveCLID approves the identity behind a currently tracked volatile
// handle.
func (e *Engine) ApproveCLID(clid string) error {
	var err error
	e.do(func() {
		en, ok := e.clients[clid]
		if !ok {
			err = ErrUnknownCLID
			return
		}
		err = e.commitConfig(func(c *store.Config) {
			c.Approved[en.uid] = struct{}{}
		})
	})
	return err
}

// ApproveNick approves the identity of the tracked client with the given
// nickname (exact match).
func (e *Engine) ApproveNick(nick string) error {
	var err error
	e.do(func() {
		for _, en := range e.clients {
			if en.nickname == nick {
				err = e.commitConfig(func(c *store.Config) {
					c.Approved[en.uid] = struct{}{}
				})
				return
			}
		}
		err = ErrNickNotPresent
	})
	return err
}

// IgnoreUID adds uid to the ignore set. Idempotent.
func (e *Engine) IgnoreUID(uid string) error {
	var err error
	e.do(func() {
		err = e.commitConfig(func(c *store.Config) {
			c.Ignored[uid] = struct{}{}
		})
	})
	return err
}

// UnignoreUID removes uid from the ignore set. Idempotent.
func (e *Engine) UnignoreUID(uid string) error {
	var err error
	e.do(func() {
		err = e.commitConfig(func(c *store.Config) {
			delete(c.Ignored, uid)
		})
	})
	return err
}

// SetAutoMuteUnknown toggles the auto-mute policy.
func (e *Engine) SetAutoMuteUnknown(v bool) error {
	return e.setPolicy(func(p *store.Policies) { p.AutoMuteUnknown = v })
}

// SetRequireApproved toggles the approved-only export policy.
func (e *Engine) SetRequireApproved(v bool) error {
	return e.setPolicy(func(p *store.Policies) { p.RequireApproved = v })
}

// SetShowIgnored toggles export of ignored identities.
func (e *Engine) SetShowIgnored(v bool) error {
	return e.setPolicy(func(p *store.Policies) { p.ShowIgnored = v })
}

func (e *Engine) setPolicy(apply func(*store.Policies)) error {
	var err error
	e.do(func() {
		err = e.commitConfig(func(c *store.Config) {
			apply(&c.Policies)
		})
	})
	return err
}

// SetTargetChannel pins the monitored channel by id or name; an empty ref
// clears the pin so monitoring follows the client's current channel.
func (e *Engine) SetTargetChannel(ref string) error {
	var err error
	e.do(func() {
		var id int
		var name string
		switch {
		case ref == "":
			// cleared
		default:
			if n, convErr := strconv.Atoi(ref); convErr == nil {
				id = n
				name = e.channelName(n)
			} else {
				cid, ok := e.resolveChannelByName(ref)
				if !ok {
					err = ErrUnknownChannel
					return
				}
				id = cid
				name = ref
			}
		}
		err = e.commitConfig(func(c *store.Config) {
			c.Policies.TargetChannel = id
			c.Policies.TargetChannelName = name
		})
	})
	return err
}

// commitConfig applies a config mutation with persist-before-commit
// semantics: the store write must succeed before the engine adopts the new
// configuration and re-runs the policy pass. Actor-only.
func (e *Engine) commitConfig(apply func(*store.Config)) error {
	next := e.config.Clone()
	apply(&next)
	if err := e.store.Save(next); err != nil {
		return fmt.Errorf("persist rail config: %w", err)
	}
	e.config = next
	e.applyPolicies()
	return nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
