package sync

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/config"
)

// Settings holds the host-supplied configuration for one campaign
// integration. CampaignID and PollIntervalSeconds come from the host's
// settings UI; the OAuth client credentials come from deployment config.
type Settings struct {
	CampaignID          string        `yaml:"campaignId"`
	PollIntervalSeconds int           `yaml:"pollIntervalSeconds"`
	OAuth               OAuthSettings `yaml:"oauth"`
}

type OAuthSettings struct {
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
}

// PollInterval converts the configured seconds to a scheduling duration.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// Validate checks that the settings are usable for polling.
func (s Settings) Validate() error {
	if strings.TrimSpace(s.CampaignID) == "" {
		return ConfigError{Field: "campaignId", Reason: "must not be empty"}
	}
	if s.PollIntervalSeconds <= 0 {
		return ConfigError{Field: "pollIntervalSeconds", Reason: "must be a positive number of seconds"}
	}
	return nil
}

type SettingsUnmarshaler interface {
	Unmarshal(compev CompositeEnvVar, sources ...io.Reader) (Settings, error)
}

type CompositeEnvVar interface {
	LookupEnv(child string) (string, bool)
}

// JSONCompositeEnvVar resolves ${VAR} references in YAML settings against
// keys of a single JSON-valued environment variable.
type JSONCompositeEnvVar struct {
	Parent string
}

func (c JSONCompositeEnvVar) LookupEnv(child string) (string, bool) {
	if c.Parent != "" {
		s := os.Getenv(c.Parent)
		if s != "" {
			m := make(map[string]string)
			err := json.Unmarshal([]byte(s), &m)
			if err == nil {
				v, exists := m[child]
				return v, exists
			}
		}
	}
	return "", false
}

type YAMLSettingsUnmarshaler struct{}

func (u YAMLSettingsUnmarshaler) Unmarshal(compev CompositeEnvVar, sources ...io.Reader) (Settings, error) {
	var result Settings
	var options []config.YAMLOption
	for _, s := range sources {
		options = append(options, config.Source(s))
	}
	options = append(options, config.Expand(compev.LookupEnv))
	yaml, err := config.NewYAML(options...)
	if err != nil {
		return result, fmt.Errorf("failed to read yaml settings %w", err)
	}
	readError := func(key string, cause error) error {
		return fmt.Errorf("failed to read '%s' from yaml settings %w", key, cause)
	}
	key := "campaignId"
	result.CampaignID = yaml.Get(key).String()
	key = "pollIntervalSeconds"
	if yaml.Get(key).HasValue() {
		err = yaml.Get(key).Populate(&result.PollIntervalSeconds)
		if err != nil {
			return result, readError(key, err)
		}
	}
	key = "oauth"
	if yaml.Get(key).HasValue() {
		err = yaml.Get(key).Populate(&result.OAuth)
		if err != nil {
			return result, readError(key, err)
		}
	}
	return result, nil
}
