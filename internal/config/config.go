package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config holds daemon configuration values. Runtime policy (approvals, mute
// behavior) lives in the rail config store, not here.
type Config struct {
	ClientQueryAddr string        `mapstructure:"clientquery_addr" yaml:"clientquery_addr"`
	ControlSocket   string        `mapstructure:"control_socket" yaml:"control_socket"`
	HTTPAddr        string        `mapstructure:"http_addr" yaml:"http_addr"`
	ConfigDir       string        `mapstructure:"config_dir" yaml:"config_dir"`
	AssetsDir       string        `mapstructure:"assets_dir" yaml:"assets_dir"`
	CommandTimeout  time.Duration `mapstructure:"command_timeout" yaml:"command_timeout"`
	DebounceWindow  time.Duration `mapstructure:"debounce_window" yaml:"debounce_window"`
	ReconnectMin    time.Duration `mapstructure:"reconnect_min" yaml:"reconnect_min"`
	ReconnectMax    time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		ClientQueryAddr: "127.0.0.1:25639",
		ControlSocket:   defaultSocketPath(),
		HTTPAddr:        "127.0.0.1:17891",
		ConfigDir:       defaultConfigDir(),
		AssetsDir:       defaultAssetsDir(),
		CommandTimeout:  5 * time.Second,
		DebounceWindow:  250 * time.Millisecond,
		ReconnectMin:    500 * time.Millisecond,
		ReconnectMax:    15 * time.Second,
		LogLevel:        "info",
	}
}

func defaultSocketPath() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "tsrail.sock")
	}
	return filepath.Join(os.TempDir(), "tsrail.sock")
}

func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tsrail"
	}
	return filepath.Join(home, ".config", "tsrail")
}

func defaultAssetsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "assets"
	}
	return filepath.Join(home, ".local", "share", "tsrail", "assets")
}
