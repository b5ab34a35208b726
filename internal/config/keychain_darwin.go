//go:build darwin

package config

import (
	"errors"
	"fmt"
	"os/exec"
)

// errSecNotFound is the exit status security(1) uses for a missing item.
const errSecNotFound = 44

func keychainGet(service, account string) ([]byte, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == errSecNotFound {
		return nil, fmt.Errorf("%s/%s: %w", service, account, ErrSecretNotFound)
	}
	return out, err
}

func keychainSet(service, account, value string) error {
	out, err := exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("writing keychain item: %w, output: %s", err, out)
	}
	return nil
}
