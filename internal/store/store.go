package store

// Policies are the runtime-configurable toggles affecting muting and
// snapshot visibility. TargetChannel zero means "follow the client's
// current channel".
type Policies struct {
	AutoMuteUnknown   bool
	RequireApproved   bool
	TargetChannel     int
	TargetChannelName string
	ShowIgnored       bool
}

// DefaultPolicies returns the policy values used before any config exists.
func DefaultPolicies() Policies {
	return Policies{
		AutoMuteUnknown: true,
		RequireApproved: true,
	}
}

// Config is the full persisted rail configuration: approval and ignore
// sets plus policies. Sets are keyed by persistent client identity (uid).
type Config struct {
	Approved map[string]struct{}
	Ignored  map[string]struct{}
	Policies Policies
}

// NewConfig returns an empty configuration with default policies.
func NewConfig() Config {
	return Config{
		Approved: make(map[string]struct{}),
		Ignored:  make(map[string]struct{}),
		Policies: DefaultPolicies(),
	}
}

// Clone returns a deep copy so engine state never aliases a caller's sets.
func (c Config) Clone() Config {
	out := Config{
		Approved: make(map[string]struct{}, len(c.Approved)),
		Ignored:  make(map[string]struct{}, len(c.Ignored)),
		Policies: c.Policies,
	}
	for uid := range c.Approved {
		out.Approved[uid] = struct{}{}
	}
	for uid := range c.Ignored {
		out.Ignored[uid] = struct{}{}
	}
	return out
}

// Store is the narrow load-all/save-all persistence interface for the rail
// configuration and the ClientQuery API key. Implementations must make Save
// and WriteKey atomic: a concurrent reader observes either the previous or
// the new contents, never a partial file.
type Store interface {
	// Load reads the persisted configuration. A missing file yields the
	// default configuration, not an error.
	Load() (Config, error)
	// Save persists the full configuration.
	Save(Config) error
	// ReadKey returns the ClientQuery API key, or "" when absent.
	ReadKey() (string, error)
	// WriteKey replaces the API key.
	WriteKey(key string) error
	// KeyPresent reports whether an API key has been stored.
	KeyPresent() bool
}
