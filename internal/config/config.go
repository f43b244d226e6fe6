// Package config handles the session client's local configuration file:
// server connection defaults, display preferences, and named workspace
// shortcuts. Unlike the session backend's own settings (fetched over REST
// via internal/httpapi.Client.GetConfig), this file lives entirely on the
// client machine.
package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/relaywire/sessioncore/internal/fileutil"
)

// Theme is a display preference for the (absent, out of scope) browser
// frontend's stand-ins; the CLI loads and saves it with the rest of the
// config file but does not otherwise use it.
type Theme string

const (
	ThemeSystem Theme = "system"
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
)

// Preferences holds the small set of display preferences carried over
// from the teacher's settings surface.
type Preferences struct {
	Theme              Theme `yaml:"theme"`
	FontSize           int   `yaml:"font_size"`
	FollowSystemTheme  bool  `yaml:"follow_system_theme"`
}

// WorkspaceShortcut is a named (working directory, ACP server) pair kept in
// the config file; the CLI's /new command accepts one by UUID or name, and
// the workspaces subcommand lists them.
type WorkspaceShortcut struct {
	UUID      string `yaml:"uuid,omitempty"`
	Name      string `yaml:"name,omitempty"`
	Dir       string `yaml:"dir"`
	ACPServer string `yaml:"acp_server"`
}

// EnsureUUID assigns a UUID if one is not already set, returning true if
// it generated a new one.
func (w *WorkspaceShortcut) EnsureUUID() bool {
	if w.UUID != "" {
		return false
	}
	w.UUID = uuid.New().String()
	return true
}

// Config is the on-disk shape of the client's config.yaml.
type Config struct {
	ServerURL   string              `yaml:"server_url"`
	APIPrefix   string              `yaml:"api_prefix,omitempty"`
	Preferences Preferences         `yaml:"preferences"`
	Workspaces  []WorkspaceShortcut `yaml:"workspaces,omitempty"`
}

// Default returns the configuration used when no config file exists yet.
func Default() Config {
	return Config{
		ServerURL: "http://localhost:8080",
		Preferences: Preferences{
			Theme:             ThemeSystem,
			FontSize:          14,
			FollowSystemTheme: true,
		},
	}
}

// Load reads the YAML config file at path, returning Default() (no error)
// if it does not exist yet.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			return &cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML via an atomic temp-file rename. The parent
// directory must already exist; Save does not create it.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return fileutil.WriteFileAtomic(path, data, 0644)
}

// EnsureWorkspaceUUIDs assigns a UUID to any shortcut missing one,
// returning true if it changed anything worth persisting.
func (c *Config) EnsureWorkspaceUUIDs() bool {
	changed := false
	for i := range c.Workspaces {
		if c.Workspaces[i].EnsureUUID() {
			changed = true
		}
	}
	return changed
}

// FindWorkspace returns the shortcut with the given uuid or name, if any.
func (c *Config) FindWorkspace(key string) (WorkspaceShortcut, bool) {
	for _, w := range c.Workspaces {
		if w.UUID == key || w.Name == key {
			return w, true
		}
	}
	return WorkspaceShortcut{}, false
}
