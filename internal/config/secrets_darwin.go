//go:build darwin

package config

import (
	"os/exec"
	"strings"
)

// keychainSecrets reads the login keychain through the security CLI and
// falls back to the secrets file when an entry is missing there.
type keychainSecrets struct {
	fallback SecretStore
}

func platformSecrets() SecretStore {
	return keychainSecrets{fallback: newFileSecrets(secretsFilePath())}
}

func (k keychainSecrets) Get(service, account string) (string, error) {
	out, err := exec.Command(
		"security", "find-generic-password",
		"-s", service,
		"-a", account,
		"-w",
	).Output()
	if err == nil {
		if v := strings.TrimSpace(string(out)); v != "" {
			return v, nil
		}
	}
	return k.fallback.Get(service, account)
}

func (k keychainSecrets) Set(service, account, value string) error {
	return exec.Command(
		"security", "add-generic-password",
		"-U",
		"-s", service,
		"-a", account,
		"-w", value,
	).Run()
}
