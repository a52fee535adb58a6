package engine

// Event is a typed notification delivered to the engine actor. The session
// converts raw protocol lines into these; the engine is the sole consumer
// and never sees wire syntax.
type Event interface{ isEvent() }

// PresentClient is one connected client as reported by a full roster sync.
type PresentClient struct {
	CLID      string
	UID       string
	Nickname  string
	ChannelID int
}

// SessionReady reports a completed connect/auth/register cycle along with
// the daemon's own identity on the server.
type SessionReady struct {
	SchandlerID int
	OwnCLID     string
	OwnUID      string
	OwnNickname string
	ChannelID   int
}

// SessionLost reports link loss. The roster is cleared so presence never
// survives a connectivity gap.
type SessionLost struct {
	Err error
}

// HandlerChanged reports a server-handler id change.
type HandlerChanged struct {
	SchandlerID int
}

// RosterSynced replaces the tracked roster with a full client listing.
type RosterSynced struct {
	Clients []PresentClient
}

// ChannelsListed replaces the channel id to name cache.
type ChannelsListed struct {
	Channels map[int]string
}

// ClientEntered reports a client entering view.
type ClientEntered struct {
	CLID      string
	UID       string
	Nickname  string
	ChannelID int
}

// ClientLeft reports a client leaving view entirely.
type ClientLeft struct {
	CLID string
}

// ClientMoved reports a client switching channels.
type ClientMoved struct {
	CLID      string
	ChannelID int
}

// TalkStatusChanged reports a talk state transition for a client.
type TalkStatusChanged struct {
	CLID    string
	Talking bool
}

// NicknameChanged reports a display nickname update.
type NicknameChanged struct {
	CLID     string
	Nickname string
}

func (SessionReady) isEvent()      {}
func (SessionLost) isEvent()       {}
func (HandlerChanged) isEvent()    {}
func (RosterSynced) isEvent()      {}
func (ChannelsListed) isEvent()    {}
func (ClientEntered) isEvent()     {}
func (ClientLeft) isEvent()        {}
func (ClientMoved) isEvent()       {}
func (TalkStatusChanged) isEvent() {}
func (NicknameChanged) isEvent()   {}

// silenceElapsed is posted by a debounce timer when the hold window for a
// talking-to-silent transition expires.
type silenceElapsed struct {
	CLID string
	Gen  uint64
}

// muteResult is posted by the goroutine that dispatched a policy mute or
// unmute command.
type muteResult struct {
	CLID  string
	Muted bool
	Err   error
}

// policyRetry re-runs the policy pass after a failed mute or unmute.
type policyRetry struct{}

func (silenceElapsed) isEvent() {}
func (muteResult) isEvent()     {}
func (policyRetry) isEvent()    {}
