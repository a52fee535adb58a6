package jsonfile

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/h4rm0n1c/tsraild/internal/store"
)

const (
	configName = "config.json"
	keyName    = "clientquery.key"
)

// Store implements store.Store on a directory holding config.json and the
// API key file. Writes go through a temp file and rename so readers never
// observe a partial document.
type Store struct {
	dir string
}

// New creates a file-backed store rooted at dir. The directory is created
// on demand by the first write.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) configPath() string { return filepath.Join(s.dir, configName) }
func (s *Store) keyPath() string    { return filepath.Join(s.dir, keyName) }

// fileConfig is the on-disk document shape. Keys are hyphenated; legacy
// underscore keys from older installs are accepted on load.
type fileConfig struct {
	Approved []string     `json:"approved"`
	Ignored  []string     `json:"ignored"`
	Policies filePolicies `json:"policies"`
}

type filePolicies struct {
	AutoMuteUnknown   *bool  `json:"auto-mute-unknown,omitempty"`
	RequireApproved   *bool  `json:"require-approved,omitempty"`
	TargetChannel     int    `json:"target-channel,omitempty"`
	TargetChannelName string `json:"target-channel-name,omitempty"`
	ShowIgnored       bool   `json:"show-ignored,omitempty"`

	LegacyAutoMuteUnknown   *bool  `json:"auto_mute_unknown,omitempty"`
	LegacyRequireApproved   *bool  `json:"require_approved,omitempty"`
	LegacyTargetChannel     int    `json:"target_channel,omitempty"`
	LegacyTargetChannelName string `json:"target_channel_name,omitempty"`
	LegacyShowIgnored       *bool  `json:"show_ignored,omitempty"`
}

// Load reads config.json, returning defaults when the file does not exist.
func (s *Store) Load() (store.Config, error) {
	cfg := store.NewConfig()

	data, err := os.ReadFile(s.configPath())
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}

	for _, uid := range fc.Approved {
		if uid != "" {
			cfg.Approved[uid] = struct{}{}
		}
	}
	for _, uid := range fc.Ignored {
		if uid != "" {
			cfg.Ignored[uid] = struct{}{}
		}
	}
	cfg.Policies = decodePolicies(fc.Policies)
	return cfg, nil
}

func decodePolicies(fp filePolicies) store.Policies {
	p := store.DefaultPolicies()
	if fp.AutoMuteUnknown != nil {
		p.AutoMuteUnknown = *fp.AutoMuteUnknown
	} else if fp.LegacyAutoMuteUnknown != nil {
		p.AutoMuteUnknown = *fp.LegacyAutoMuteUnknown
	}
	if fp.RequireApproved != nil {
		p.RequireApproved = *fp.RequireApproved
	} else if fp.LegacyRequireApproved != nil {
		p.RequireApproved = *fp.LegacyRequireApproved
	}
	if fp.TargetChannel != 0 {
		p.TargetChannel = fp.TargetChannel
	} else if fp.LegacyTargetChannel != 0 {
		p.TargetChannel = fp.LegacyTargetChannel
	}
	if fp.TargetChannelName != "" {
		p.TargetChannelName = fp.TargetChannelName
	} else if fp.LegacyTargetChannelName != "" {
		p.TargetChannelName = fp.LegacyTargetChannelName
	}
	p.ShowIgnored = fp.ShowIgnored
	if fp.LegacyShowIgnored != nil && !fp.ShowIgnored {
		p.ShowIgnored = *fp.LegacyShowIgnored
	}
	return p
}

// Save writes the full configuration atomically.
func (s *Store) Save(cfg store.Config) error {
	fc := fileConfig{
		Approved: sortedKeys(cfg.Approved),
		Ignored:  sortedKeys(cfg.Ignored),
		Policies: filePolicies{
			AutoMuteUnknown:   boolPtr(cfg.Policies.AutoMuteUnknown),
			RequireApproved:   boolPtr(cfg.Policies.RequireApproved),
			TargetChannel:     cfg.Policies.TargetChannel,
			TargetChannelName: cfg.Policies.TargetChannelName,
			ShowIgnored:       cfg.Policies.ShowIgnored,
		},
	}

	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return s.writeAtomic(s.configPath(), append(data, '\n'), 0o600)
}

// ReadKey returns the stored API key with surrounding whitespace trimmed.
func (s *Store) ReadKey() (string, error) {
	data, err := os.ReadFile(s.keyPath())
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read key: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteKey replaces the API key file atomically.
func (s *Store) WriteKey(key string) error {
	return s.writeAtomic(s.keyPath(), []byte(key+"\n"), 0o600)
}

// KeyPresent reports whether the key file exists.
func (s *Store) KeyPresent() bool {
	_, err := os.Stat(s.keyPath())
	return err == nil
}

func (s *Store) writeAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func boolPtr(b bool) *bool { return &b }
