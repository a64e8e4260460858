//go:build !darwin

package config

func platformSecrets() SecretStore {
	return newFileSecrets(secretsFilePath())
}
