// Package config provides the YAML-based application configuration,
// including first-run config creation with restrictive permissions.
package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ItipSendOption controls when scheduling notifications go out.
// The values mirror the classic three-state send preference:
//
//	0 - never send
//	1 - always send, without asking
//	3 - send, honoring per-attendee no-reply flags
type ItipSendOption int

const (
	SendNever  ItipSendOption = 0
	SendAlways ItipSendOption = 1
	SendNotify ItipSendOption = 3
)

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the scheduling API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used as the viewer zone for
	// free/busy bucketing (e.g. "Europe/Warsaw").
	Timezone string `yaml:"timezone" json:"timezone"`

	// UndoTimeout is the restore window for deleted events, in seconds.
	// Zero disables soft delete entirely.
	UndoTimeout int `yaml:"undo_timeout" json:"undo_timeout"`

	// ItipSend selects the outbound notification policy.
	ItipSend ItipSendOption `yaml:"itip_send" json:"itip_send"`

	// InvitationCalendars allows storing declined invitations instead of
	// silently dropping them.
	InvitationCalendars bool `yaml:"invitation_calendars" json:"invitation_calendars"`

	// DeleteDeclined removes the local copy when the user declines an
	// invitation for an event that already exists locally.
	DeleteDeclined bool `yaml:"delete_declined" json:"delete_declined"`

	// FreeBusyInterval is the default timeline bucket width in minutes.
	FreeBusyInterval int `yaml:"freebusy_interval" json:"freebusy_interval"`

	// Outbox is the directory outbound iTIP messages are written to by
	// the file notifier.
	Outbox string `yaml:"outbox" json:"outbox"`

	// SweepCron schedules the periodic undo-buffer sweep
	// (cron expression, e.g. "*/5 * * * *").
	SweepCron string `yaml:"sweep_cron" json:"sweep_cron"`

	// UserEmails lists the addresses that identify the current user in
	// attendee lists.
	UserEmails []string `yaml:"user_emails" json:"user_emails"`

	// DefaultCalendar receives imported invitations when the caller did
	// not pick a calendar explicitly.
	DefaultCalendar string `yaml:"default_calendar" json:"default_calendar"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:           "127.0.0.1:8080",
		Timezone:         "UTC",
		UndoTimeout:      10,
		ItipSend:         SendNotify,
		FreeBusyInterval: 60,
		Outbox:           "outbox",
		SweepCron:        "*/5 * * * *",
		DefaultCalendar:  "personal",
	}
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.UndoTimeout < 0 {
		c.UndoTimeout = 0
	}
	switch c.ItipSend {
	case SendNever, SendAlways, SendNotify:
	default:
		c.ItipSend = SendNotify
	}
	if c.FreeBusyInterval <= 0 {
		c.FreeBusyInterval = 60
	}
	if c.Outbox == "" {
		c.Outbox = "outbox"
	}
	if c.SweepCron == "" {
		c.SweepCron = "*/5 * * * *"
	}
	if c.DefaultCalendar == "" {
		c.DefaultCalendar = "personal"
	}
}

// Load loads configuration from the given YAML path.
//
// If the file does not exist a default config is written there first, so
// a fresh install ends up with an editable file on disk.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calendard-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
