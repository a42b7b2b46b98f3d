package conf

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Account is one entry of the account directory
type Account struct {
	ID        string `yaml:"id"`
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	Handle    string `yaml:"handle"` // optional, defaults to the bot name
}

// AccountsFile is the YAML account directory
type AccountsFile struct {
	Accounts []Account `yaml:"accounts"`
}

// LoadAccounts loads the account directory from a YAML file.
// ${VAR} references are expanded from the environment so secrets can stay out of the file.
func LoadAccounts(path string) ([]Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read accounts file: %w", err)
	}
	return ParseAccounts(data)
}

// ParseAccounts parses and validates account directory YAML
func ParseAccounts(data []byte) ([]Account, error) {
	var file AccountsFile
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &file); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	seen := make(map[string]bool, len(file.Accounts))
	for i, acc := range file.Accounts {
		if acc.ID == "" {
			return nil, &ConfigError{Field: fmt.Sprintf("accounts[%d].id", i), Message: "required"}
		}
		if seen[acc.ID] {
			return nil, &ConfigError{Field: fmt.Sprintf("accounts[%d].id", i), Message: "duplicate " + acc.ID}
		}
		seen[acc.ID] = true
		if acc.AppID == "" || acc.AppSecret == "" {
			return nil, &ConfigError{Field: fmt.Sprintf("accounts[%d].app_id/app_secret", i), Message: "required"}
		}
	}
	return file.Accounts, nil
}
