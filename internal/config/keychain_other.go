//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Without a system keychain, secrets live in a 0600 JSON file keyed by
// service then account. SELFTUNE_SECRETS_FILE overrides the location.
type secretFile map[string]map[string]string

func secretsFilePath() string {
	if p := os.Getenv("SELFTUNE_SECRETS_FILE"); p != "" {
		return p
	}
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".", "selftune", "secrets.json")
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "selftune", "secrets.json")
}

func readSecretFile(path string) (secretFile, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return secretFile{}, nil
	}
	if err != nil {
		return nil, err
	}
	sf := secretFile{}
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", path, err)
	}
	return sf, nil
}

func (sf secretFile) write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	raw, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

func keychainGet(service, account string) ([]byte, error) {
	sf, err := readSecretFile(secretsFilePath())
	if err != nil {
		return nil, fmt.Errorf("keychain not available: %w", err)
	}
	val, ok := sf[service][account]
	if !ok {
		return nil, fmt.Errorf("no secret for %s/%s", service, account)
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	path := secretsFilePath()
	sf, err := readSecretFile(path)
	if err != nil {
		// A corrupt file is replaced rather than blocking token creation.
		sf = secretFile{}
	}
	if sf[service] == nil {
		sf[service] = map[string]string{}
	}
	sf[service][account] = value
	return sf.write(path)
}
