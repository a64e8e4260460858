package config

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const (
	secretService   = "askgram"
	apiTokenAccount = "api_token"
)

// ErrSecretNotFound is returned by SecretStore.Get for unknown entries.
var ErrSecretNotFound = errors.New("secret not found")

// SecretStore reads and writes credentials outside the config file.
type SecretStore interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

// fileSecrets keeps secrets in a 0600 JSON file keyed by service then account.
type fileSecrets struct {
	mu   sync.Mutex
	path string
}

func newFileSecrets(path string) *fileSecrets {
	return &fileSecrets{path: path}
}

func secretsFilePath() string {
	return filepath.Join(dataHome(), "secrets.json")
}

func (f *fileSecrets) read() (map[string]map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return make(map[string]map[string]string), nil
	}
	if err != nil {
		return nil, err
	}
	var secrets map[string]map[string]string
	if err := json.Unmarshal(data, &secrets); err != nil {
		return nil, fmt.Errorf("parsing secrets file: %w", err)
	}
	if secrets == nil {
		secrets = make(map[string]map[string]string)
	}
	return secrets, nil
}

func (f *fileSecrets) Get(service, account string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return "", err
	}
	v, ok := secrets[service][account]
	if !ok {
		return "", ErrSecretNotFound
	}
	return v, nil
}

func (f *fileSecrets) Set(service, account, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	secrets, err := f.read()
	if err != nil {
		return err
	}
	if secrets[service] == nil {
		secrets[service] = make(map[string]string)
	}
	secrets[service][account] = value

	data, err := json.MarshalIndent(secrets, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating secrets dir: %w", err)
	}
	return os.WriteFile(f.path, data, 0o600)
}

// GetAPIToken returns the bearer token guarding the local HTTP API,
// generating and storing one on first use.
func GetAPIToken() (string, error) {
	return getOrCreateAPIToken(platformSecrets())
}

func getOrCreateAPIToken(s SecretStore) (string, error) {
	if tok := os.Getenv("ASKGRAM_API_TOKEN"); tok != "" {
		return tok, nil
	}
	tok, err := s.Get(secretService, apiTokenAccount)
	if err == nil && tok != "" {
		return tok, nil
	}
	if err != nil && !errors.Is(err, ErrSecretNotFound) {
		return "", fmt.Errorf("reading API token: %w", err)
	}
	tok = rand.Text()
	if err := s.Set(secretService, apiTokenAccount, tok); err != nil {
		return "", fmt.Errorf("storing API token: %w", err)
	}
	return tok, nil
}
