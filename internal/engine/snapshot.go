package engine

import (
	"sort"
	"strings"
	"time"
)

// Snapshot is an immutable, versioned projection of the tracked state for
// external consumers. The ts field is a monotonic float-seconds version.
type Snapshot struct {
	TS           float64       `json:"ts"`
	Server       ServerInfo    `json:"server"`
	Bot          BotInfo       `json:"bot"`
	Counts       Counts        `json:"counts"`
	Users        []User        `json:"users"`
	UnknownUsers []UnknownUser `json:"unknown_users"`
	Channels     []Channel     `json:"channels"`
}

// ServerInfo describes the connection and channel under watch.
type ServerInfo struct {
	SchandlerID         int    `json:"schandlerid"`
	ChannelID           int    `json:"channel_id"`
	ChannelName         string `json:"channel_name"`
	TargetChannelID     int    `json:"target_channel_id,omitempty"`
	TargetChannelName   string `json:"target_channel_name,omitempty"`
	TargetChannelActive bool   `json:"target_channel_active"`
}

// BotInfo describes the daemon's own client on the server.
type BotInfo struct {
	CLID        string `json:"clid"`
	UID         string `json:"uid"`
	Nickname    string `json:"nickname"`
	ChannelID   int    `json:"channel_id"`
	ChannelName string `json:"channel_name"`
}

// Counts aggregates presence by approval class. Ignored identities are
// never listed in Users but still contribute here.
type Counts struct {
	ApprovedTotal   int `json:"approved_total"`
	PresentApproved int `json:"present_approved"`
	PresentUnknown  int `json:"present_unknown"`
	PresentIgnored  int `json:"present_ignored"`
}

// User is one exported roster entry, ascending by nickname.
type User struct {
	UID      string `json:"uid"`
	Nickname string `json:"nickname"`
	Talking  bool   `json:"talking"`
	Approved bool   `json:"approved"`
	Ignored  bool   `json:"ignored"`
	Assets   Assets `json:"assets"`
}

// UnknownUser is a present identity that is neither approved nor ignored.
type UnknownUser struct {
	UID       string `json:"uid"`
	Nickname  string `json:"nickname"`
	ChannelID int    `json:"channel_id"`
}

// Channel is one known channel on the server.
type Channel struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// buildSnapshot renders the current state. Actor-only.
func (e *Engine) buildSnapshot() Snapshot {
	mc := e.monitorChannelID()
	target := e.config.Policies.TargetChannel
	targetName := e.channelName(target)
	if targetName == "" {
		targetName = e.config.Policies.TargetChannelName
	}

	snap := Snapshot{
		TS: e.nextSnapshotTS(),
		Server: ServerInfo{
			SchandlerID:         e.schandlerID,
			ChannelID:           mc,
			ChannelName:         e.channelName(mc),
			TargetChannelID:     target,
			TargetChannelName:   targetName,
			TargetChannelActive: target != 0 && e.currentChan == target,
		},
		Bot: BotInfo{
			CLID:        e.ownCLID,
			UID:         e.ownUID,
			Nickname:    e.ownNickname,
			ChannelID:   e.currentChan,
			ChannelName: e.channelName(e.currentChan),
		},
		Counts:       e.counts(mc),
		Users:        e.buildUsers(mc),
		UnknownUsers: e.buildUnknownUsers(mc),
		Channels:     e.buildChannels(),
	}
	return snap
}

// nextSnapshotTS returns a strictly increasing version timestamp.
func (e *Engine) nextSnapshotTS() float64 {
	ts := float64(time.Now().UnixNano()) / 1e9
	if ts <= e.lastSnapTS {
		ts = e.lastSnapTS + 1e-6
	}
	e.lastSnapTS = ts
	return ts
}

// present reports whether the entry counts as present in the monitored
// channel. The daemon's own client is never present.
func (e *Engine) present(en *entry, mc int) bool {
	if mc == 0 {
		return false
	}
	if en.uid != "" && en.uid == e.ownUID {
		return false
	}
	return en.channelID == mc
}

func (e *Engine) counts(mc int) Counts {
	c := Counts{ApprovedTotal: len(e.config.Approved)}
	for _, en := range e.clients {
		if !e.present(en, mc) {
			continue
		}
		switch {
		case en.ignored:
			c.PresentIgnored++
		case en.approved:
			c.PresentApproved++
		default:
			c.PresentUnknown++
		}
	}
	return c
}

func (e *Engine) buildUsers(mc int) []User {
	users := make([]User, 0, len(e.clients))
	for _, en := range e.clients {
		if !e.present(en, mc) {
			continue
		}
		if en.ignored && !e.config.Policies.ShowIgnored {
			continue
		}
		if e.config.Policies.RequireApproved && !en.approved {
			continue
		}
		users = append(users, User{
			UID:      en.uid,
			Nickname: en.nickname,
			Talking:  en.talking,
			Approved: en.approved,
			Ignored:  en.ignored,
			Assets:   e.assets.Resolve(en.uid),
		})
	}
	sort.Slice(users, func(i, j int) bool {
		return strings.ToLower(users[i].Nickname) < strings.ToLower(users[j].Nickname)
	})
	return users
}

func (e *Engine) buildUnknownUsers(mc int) []UnknownUser {
	unknowns := make([]UnknownUser, 0)
	for _, en := range e.clients {
		if !e.present(en, mc) || en.approved || en.ignored {
			continue
		}
		unknowns = append(unknowns, UnknownUser{
			UID:       en.uid,
			Nickname:  en.nickname,
			ChannelID: en.channelID,
		})
	}
	sort.Slice(unknowns, func(i, j int) bool {
		return strings.ToLower(unknowns[i].Nickname) < strings.ToLower(unknowns[j].Nickname)
	})
	return unknowns
}

func (e *Engine) buildChannels() []Channel {
	channels := make([]Channel, 0, len(e.channelNames))
	for cid, name := range e.channelNames {
		channels = append(channels, Channel{ID: cid, Name: name})
	}
	sort.Slice(channels, func(i, j int) bool {
		return strings.ToLower(channels[i].Name) < strings.ToLower(channels[j].Name)
	})
	return channels
}
