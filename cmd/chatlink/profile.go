// ABOUTME: Per-user profile loading for the chatlink CLI
// ABOUTME: Loads TOML profile from XDG path with environment variable overrides

package main

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/deskhub/chatlink/internal/chat"
)

// Profile is who the CLI acts as: one participant, one role, one server.
// It lives in ~/.config/chatlink/profile.toml and is overridden by
// CHATLINK_* environment variables, so CI and scripts never need the file.
type Profile struct {
	Server   ProfileServer   `toml:"server"`
	Identity ProfileIdentity `toml:"identity"`
}

type ProfileServer struct {
	Origin string `toml:"origin"`
}

type ProfileIdentity struct {
	ParticipantID string `toml:"participant_id"`
	Role          string `toml:"role"`
	Token         string `toml:"token"`
}

// profilePath resolves the profile location from XDG_CONFIG_HOME or the
// home directory.
func profilePath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "chatlink", "profile.toml")
}

// loadProfile reads the TOML profile if present and applies environment
// overrides. A missing file is not an error; the environment alone can
// carry a complete profile.
func loadProfile() (*Profile, error) {
	var p Profile

	path := profilePath()
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			expanded := expandEnvVars(string(data))
			if _, err := toml.Decode(expanded, &p); err != nil {
				return nil, fmt.Errorf("parsing profile %s: %w", path, err)
			}
		}
	}

	if v := os.Getenv("CHATLINK_ORIGIN"); v != "" {
		p.Server.Origin = v
	}
	if v := os.Getenv("CHATLINK_PARTICIPANT"); v != "" {
		p.Identity.ParticipantID = v
	}
	if v := os.Getenv("CHATLINK_ROLE"); v != "" {
		p.Identity.Role = v
	}
	if v := os.Getenv("CHATLINK_TOKEN"); v != "" {
		p.Identity.Token = v
	}

	return &p, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks the profile carries enough to talk to a server.
func (p *Profile) Validate() error {
	if p.Server.Origin == "" {
		return fmt.Errorf("server origin is required (profile server.origin or CHATLINK_ORIGIN)")
	}
	u, err := url.Parse(p.Server.Origin)
	if err != nil {
		return fmt.Errorf("server origin is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server origin must use http or https scheme")
	}
	if p.Identity.ParticipantID == "" {
		return fmt.Errorf("participant id is required (profile identity.participant_id or CHATLINK_PARTICIPANT)")
	}
	switch p.Identity.Role {
	case "customer", "staff":
		return nil
	default:
		return fmt.Errorf("role must be \"customer\" or \"staff\", got %q", p.Identity.Role)
	}
}

// role maps the profile role string onto the chat role type.
func (p *Profile) role() chat.Role {
	if p.Identity.Role == "staff" {
		return chat.RoleStaff
	}
	return chat.RoleCustomer
}
