package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// ProviderEntry is one provider block from the providers file. Credentials
// reference files rather than carrying key material inline.
type ProviderEntry struct {
	ID                   string   `mapstructure:"id"`
	Name                 string   `mapstructure:"name"`
	BaseURL              string   `mapstructure:"base_url"`
	AuthorizeURL         string   `mapstructure:"authorize_url"`
	TokenURL             string   `mapstructure:"token_url"`
	Scopes               []string `mapstructure:"scopes"`
	ClientID             string   `mapstructure:"client_id"`
	ClientSecret         string   `mapstructure:"client_secret"`
	PrivateKeyFile       string   `mapstructure:"private_key_file"`
	AuthStyle            string   `mapstructure:"auth_style"`
	MinRequestIntervalMS int      `mapstructure:"min_request_interval_ms"`
}

// LoadProviders reads the providers file (YAML) at path. A missing file is
// not an error; the server just starts with an empty registry.
func LoadProviders(path string) ([]ProviderEntry, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading providers file %s: %w", path, err)
	}

	var entries []ProviderEntry
	if err := v.UnmarshalKey("providers", &entries); err != nil {
		return nil, fmt.Errorf("parsing providers file %s: %w", path, err)
	}

	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("providers[%d]: id is required", i)
		}
		if e.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required", e.ID)
		}
		if e.TokenURL == "" {
			return nil, fmt.Errorf("provider %s: token_url is required", e.ID)
		}
	}
	return entries, nil
}
