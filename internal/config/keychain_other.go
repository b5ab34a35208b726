//go:build !darwin

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// secretsFile stands in for a keychain off macOS: a 0600 JSON document of
// service -> account -> value in the data directory.
type secretsFile struct {
	path string
}

func defaultSecretsFile() secretsFile {
	return secretsFile{path: filepath.Join(defaultDataDir(), "secrets.json")}
}

// read returns the whole document. A missing file is an empty document.
func (f secretsFile) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading secrets file: %w", err)
	}
	secrets := map[string]map[string]string{}
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file %s: %w", f.path, err)
	}
	return secrets, nil
}

func (f secretsFile) get(service, account string) (string, error) {
	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	val, ok := secrets[service][account]
	if !ok {
		return "", fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return val, nil
}

// set refuses to touch a file it cannot parse, so a damaged document is
// never replaced by one holding a single secret.
func (f secretsFile) set(service, account, value string) error {
	secrets, err := f.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = map[string]string{}
	}
	secrets[service][account] = value

	out, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(f.path, out); err != nil {
		return fmt.Errorf("writing secrets file: %w", err)
	}
	return nil
}

func keychainGet(service, account string) ([]byte, error) {
	val, err := defaultSecretsFile().get(service, account)
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}

func keychainSet(service, account, value string) error {
	return defaultSecretsFile().set(service, account, value)
}
