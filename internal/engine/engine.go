// Package engine maintains the tracked roster for the monitored channel and
// applies persisted policy to it. Mutations from protocol notifications and
// from the control surface are serialized through one actor goroutine; the
// engine is the single writer of its own state and never blocks on an
// outbound protocol command.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/h4rm0n1c/tsraild/internal/store"
)

var (
	// ErrUnknownCLID means no tracked client has the given volatile handle.
	ErrUnknownCLID = errors.New("unknown clid")
	// ErrNickNotPresent means no tracked client has the given nickname.
	ErrNickNotPresent = errors.New("nickname not currently present")
	// ErrUnknownChannel means a channel reference resolved to nothing.
	ErrUnknownChannel = errors.New("unknown channel")
)

// Commander issues mute side-effect commands upstream. Implemented by the
// session; calls may block and are therefore always dispatched from a
// goroutine, never from the actor itself.
type Commander interface {
	MuteClient(clid string) error
	UnmuteClient(clid string) error
}

// Options tune engine timing.
type Options struct {
	// DebounceWindow holds a talking-to-silent transition before exporting it.
	DebounceWindow time.Duration
	// PolicyRetry is the delay before re-running the policy pass after a
	// failed mute or unmute.
	PolicyRetry time.Duration
}

func (o *Options) fill() {
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 250 * time.Millisecond
	}
	if o.PolicyRetry <= 0 {
		o.PolicyRetry = 3 * time.Second
	}
}

// entry is one tracked client. Keyed by volatile handle; identified across
// reconnects by uid.
type entry struct {
	clid      string
	uid       string
	nickname  string
	channelID int
	talking   bool
	approved  bool
	ignored   bool

	// mutedByUs tracks our own mute side-effects so the policy pass never
	// issues redundant commands or fights an external unmute.
	mutedByUs   bool
	mutePending bool

	talkGen uint64
	silence *time.Timer
}

// Engine is the channel state engine actor.
type Engine struct {
	opts     Options
	store    store.Store
	cmd      Commander
	assets   AssetResolver
	log      *zerolog.Logger
	events   <-chan Event
	internal chan Event
	requests chan func()

	// Actor-owned state below; touched only from Run.
	config       store.Config
	clients      map[string]*entry
	channelNames map[int]string
	schandlerID  int
	ownCLID      string
	ownUID       string
	ownNickname  string
	currentChan  int
	linkUp       bool

	retryScheduled bool
	lastSnapTS     float64
}

// New loads the persisted configuration and builds the engine. Run must be
// started before any other method is called.
func New(st store.Store, cmd Commander, assets AssetResolver, events <-chan Event, opts Options, logger *zerolog.Logger) (*Engine, error) {
	opts.fill()
	cfg, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load rail config: %w", err)
	}
	if assets == nil {
		assets = nullResolver{}
	}
	return &Engine{
		opts:         opts,
		store:        st,
		cmd:          cmd,
		assets:       assets,
		log:          logger,
		events:       events,
		internal:     make(chan Event, 64),
		requests:     make(chan func()),
		config:       cfg,
		clients:      make(map[string]*entry),
		channelNames: make(map[int]string),
		schandlerID:  1,
	}, nil
}

// Run is the actor loop. Every mutation of engine state happens here.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.events:
			e.handle(ev)
		case ev := <-e.internal:
			e.handle(ev)
		case fn := <-e.requests:
			fn()
		}
	}
}

// do runs fn inside the actor and waits for it to complete. This is the
// single sequence point the control surface and exporters go through.
func (e *Engine) do(fn func()) {
	done := make(chan struct{})
	e.requests <- func() {
		fn()
		close(done)
	}
	<-done
}

func (e *Engine) handle(ev Event) {
	switch ev := ev.(type) {
	case SessionReady:
		e.schandlerID = ev.SchandlerID
		e.ownCLID = ev.OwnCLID
		e.ownUID = ev.OwnUID
		e.ownNickname = ev.OwnNickname
		e.currentChan = ev.ChannelID
		e.linkUp = true
	case SessionLost:
		e.linkUp = false
		e.clearRoster()
	case HandlerChanged:
		e.schandlerID = ev.SchandlerID
	case ChannelsListed:
		e.channelNames = ev.Channels
		e.refreshTargetFromName()
	case RosterSynced:
		e.rosterSynced(ev.Clients)
	case ClientEntered:
		e.clientEntered(ev)
	case ClientLeft:
		e.clientLeft(ev.CLID)
	case ClientMoved:
		e.clientMoved(ev)
	case TalkStatusChanged:
		e.talkStatus(ev)
	case NicknameChanged:
		e.nickChanged(ev)
	case silenceElapsed:
		e.silenceElapsed(ev)
	case muteResult:
		e.muteResult(ev)
	case policyRetry:
		e.retryScheduled = false
		e.applyPolicies()
	}
}

// monitorChannelID returns the channel currently under watch: the target
// channel when one is set and we are joined to it, otherwise the client's
// current channel. Zero means nothing is monitored.
func (e *Engine) monitorChannelID() int {
	target := e.config.Policies.TargetChannel
	if target != 0 {
		if e.currentChan == target {
			return target
		}
		return 0
	}
	return e.currentChan
}

func (e *Engine) clearRoster() {
	for _, en := range e.clients {
		e.cancelSilence(en)
	}
	e.clients = make(map[string]*entry)
}

func (e *Engine) rosterSynced(present []PresentClient) {
	old := e.clients
	e.clients = make(map[string]*entry, len(present))
	for _, pc := range present {
		if pc.CLID == e.ownCLID {
			continue
		}
		en := &entry{
			clid:      pc.CLID,
			uid:       pc.UID,
			nickname:  pc.Nickname,
			channelID: pc.ChannelID,
		}
		// Carry mute side-effect tracking and talk state across a resync so
		// the policy pass does not repeat commands already issued.
		if prev, ok := old[pc.CLID]; ok && prev.uid == pc.UID {
			en.mutedByUs = prev.mutedByUs
			en.mutePending = prev.mutePending
			en.talking = prev.talking
			en.talkGen = prev.talkGen
			en.silence = prev.silence
		}
		e.clients[pc.CLID] = en
	}
	for clid, prev := range old {
		if _, kept := e.clients[clid]; !kept {
			e.cancelSilence(prev)
		}
	}
	e.applyPolicies()
}

func (e *Engine) clientEntered(ev ClientEntered) {
	if ev.CLID == "" {
		return
	}
	if e.currentChan == 0 && ev.ChannelID != 0 {
		// First sight of any channel; adopt it as the current one.
		e.currentChan = ev.ChannelID
	}
	if ev.CLID == e.ownCLID {
		e.ownUID = ev.UID
		e.ownNickname = ev.Nickname
		return
	}
	// A reconnecting user gets a fresh volatile handle; drop the stale
	// entry so exactly one entry per identity remains in the channel.
	for clid, en := range e.clients {
		if en.uid != "" && en.uid == ev.UID && en.channelID == ev.ChannelID && clid != ev.CLID {
			e.cancelSilence(en)
			delete(e.clients, clid)
		}
	}
	e.clients[ev.CLID] = &entry{
		clid:      ev.CLID,
		uid:       ev.UID,
		nickname:  ev.Nickname,
		channelID: ev.ChannelID,
	}
	e.applyPolicies()
}

func (e *Engine) clientLeft(clid string) {
	if clid == "" {
		return
	}
	if clid == e.ownCLID {
		e.currentChan = 0
		return
	}
	if en, ok := e.clients[clid]; ok {
		e.cancelSilence(en)
		delete(e.clients, clid)
	}
}

func (e *Engine) clientMoved(ev ClientMoved) {
	if ev.CLID == "" {
		return
	}
	if ev.CLID == e.ownCLID {
		e.currentChan = ev.ChannelID
		e.applyPolicies()
		return
	}
	en, ok := e.clients[ev.CLID]
	if !ok {
		return
	}
	en.channelID = ev.ChannelID
	e.applyPolicies()
}

func (e *Engine) talkStatus(ev TalkStatusChanged) {
	en, ok := e.clients[ev.CLID]
	if !ok {
		return
	}
	if ev.Talking {
		// Talking applies immediately and cancels any pending hold.
		e.cancelSilence(en)
		en.talking = true
		return
	}
	if !en.talking {
		return
	}
	// Hold the transition to silent; flicker within the window is absorbed.
	e.cancelSilence(en)
	gen := en.talkGen
	clid := en.clid
	en.silence = time.AfterFunc(e.opts.DebounceWindow, func() {
		e.internal <- silenceElapsed{CLID: clid, Gen: gen}
	})
}

func (e *Engine) silenceElapsed(ev silenceElapsed) {
	en, ok := e.clients[ev.CLID]
	if !ok || en.talkGen != ev.Gen {
		return
	}
	en.talking = false
	en.silence = nil
}

// cancelSilence invalidates any pending silence timer for the entry.
func (e *Engine) cancelSilence(en *entry) {
	en.talkGen++
	if en.silence != nil {
		en.silence.Stop()
		en.silence = nil
	}
}

func (e *Engine) nickChanged(ev NicknameChanged) {
	if ev.CLID == e.ownCLID {
		e.ownNickname = ev.Nickname
		return
	}
	if en, ok := e.clients[ev.CLID]; ok {
		en.nickname = ev.Nickname
	}
}

// applyPolicies re-derives approval flags and dispatches mute side-effects
// for every tracked entry in the monitored channel. Commands run in their
// own goroutines; results come back as muteResult events.
func (e *Engine) applyPolicies() {
	mc := e.monitorChannelID()
	for _, en := range e.clients {
		_, en.approved = e.config.Approved[en.uid]
		_, en.ignored = e.config.Ignored[en.uid]

		if en.mutePending {
			continue
		}
		if (en.approved || en.ignored) && en.mutedByUs {
			e.dispatchMute(en, false)
			continue
		}
		inChannel := mc != 0 && en.channelID == mc
		if inChannel && e.linkUp && e.config.Policies.AutoMuteUnknown &&
			!en.approved && !en.ignored && !en.mutedByUs {
			e.dispatchMute(en, true)
		}
	}
}

func (e *Engine) dispatchMute(en *entry, mute bool) {
	if e.cmd == nil {
		return
	}
	en.mutePending = true
	clid := en.clid
	go func() {
		var err error
		if mute {
			err = e.cmd.MuteClient(clid)
		} else {
			err = e.cmd.UnmuteClient(clid)
		}
		e.internal <- muteResult{CLID: clid, Muted: mute, Err: err}
	}()
}

func (e *Engine) muteResult(ev muteResult) {
	en, ok := e.clients[ev.CLID]
	if !ok {
		return
	}
	en.mutePending = false
	if ev.Err != nil {
		action := "unmute"
		if ev.Muted {
			action = "mute"
		}
		e.log.Warn().Err(ev.Err).Str("clid", ev.CLID).Str("action", action).
			Msg("policy action failed; will retry")
		e.scheduleRetryPass()
		return
	}
	en.mutedByUs = ev.Muted
	// An approval may have landed while the command was in flight; the
	// follow-up pass issues the corrective unmute.
	e.applyPolicies()
}

func (e *Engine) scheduleRetryPass() {
	if e.retryScheduled {
		return
	}
	e.retryScheduled = true
	time.AfterFunc(e.opts.PolicyRetry, func() {
		e.internal <- policyRetry{}
	})
}

// refreshTargetFromName re-resolves a name-pinned target channel against a
// fresh channel listing; ids change across server restarts.
func (e *Engine) refreshTargetFromName() {
	name := e.config.Policies.TargetChannelName
	if name == "" {
		return
	}
	cid, ok := e.resolveChannelByName(name)
	if !ok || cid == e.config.Policies.TargetChannel {
		return
	}
	next := e.config.Clone()
	next.Policies.TargetChannel = cid
	if err := e.store.Save(next); err != nil {
		e.log.Warn().Err(err).Msg("failed to persist re-resolved target channel")
		return
	}
	e.config = next
	e.applyPolicies()
}

func (e *Engine) resolveChannelByName(name string) (int, bool) {
	needle := strings.ToLower(name)
	for cid, cname := range e.channelNames {
		if strings.ToLower(cname) == needle {
			return cid, true
		}
	}
	return 0, false
}

func (e *Engine) channelName(cid int) string {
	if cid == 0 {
		return ""
	}
	return e.channelNames[cid]
}
