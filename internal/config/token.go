package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

const (
	keychainService = "tandem"
	tokenAccount    = "api_token"
	tokenEnv        = "TANDEM_API_TOKEN"
)

// ErrSecretNotFound reports that the keychain holds no value for an account.
var ErrSecretNotFound = errors.New("secret not found")

// Keychain stores secrets. On macOS it is the login keychain; elsewhere a
// secrets.json file in the data directory.
type Keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func NewKeychain() Keychain {
	return platformKeychain{}
}

type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}

// GetAPIToken returns the bearer token guarding the HTTP API. TANDEM_API_TOKEN
// wins; otherwise the token is read from the keychain, and generated and
// saved there on first use.
func GetAPIToken(kc Keychain) (string, error) {
	if tok := strings.TrimSpace(os.Getenv(tokenEnv)); tok != "" {
		return tok, nil
	}
	tok, err := kc.Get(keychainService, tokenAccount)
	switch {
	case err == nil && tok != "":
		return tok, nil
	case err != nil && !errors.Is(err, ErrSecretNotFound):
		return "", fmt.Errorf("reading API token: %w", err)
	}

	tok = uuid.New().String()
	if err := kc.Set(keychainService, tokenAccount, tok); err != nil {
		return "", fmt.Errorf("saving generated API token: %w", err)
	}
	return tok, nil
}
