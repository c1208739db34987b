package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"realtime-chat/internal/backend"
)

// ErrNotLoggedIn indica que no hay credenciales guardadas.
var ErrNotLoggedIn = errors.New("not logged in: run `chat login` first")

// Credentials es el contenido del archivo de sesion del cliente.
type Credentials struct {
	APIURL  string          `yaml:"api_url"`
	Session backend.Session `yaml:"session"`
}

func DefaultCredentialsPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve config dir: %w", err)
	}
	return filepath.Join(dir, "realtime-chat", "credentials.yaml"), nil
}

func LoadCredentials(path string) (Credentials, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Credentials{}, ErrNotLoggedIn
	}
	if err != nil {
		return Credentials{}, err
	}
	var creds Credentials
	if err := yaml.Unmarshal(raw, &creds); err != nil {
		return Credentials{}, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if creds.Session.Tokens.RefreshToken == "" {
		return Credentials{}, ErrNotLoggedIn
	}
	return creds, nil
}

// SaveCredentials escribe el archivo con permisos 0600.
func SaveCredentials(path string, creds Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	raw, err := yaml.Marshal(creds)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func RemoveCredentials(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
