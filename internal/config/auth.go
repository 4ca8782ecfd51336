package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Auth stores credentials at auth.json.
type Auth struct {
	APIKey    string `json:"api_key"`
	ServerURL string `json:"server_url,omitempty"`
	DeviceID  string `json:"device_id"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

// LoadAuth reads auth.json. It returns nil, nil when the file is missing.
func LoadAuth() (*Auth, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "auth.json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var a Auth
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// SaveAuth writes auth.json with 0600 permissions.
func SaveAuth(a *Auth) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(filepath.Join(dir, "auth.json"), data, 0600)
}

// ClearAuth removes auth.json.
func ClearAuth() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, "auth.json"))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// DeviceID returns the device id from auth.json, generating and saving one
// on first use.
func DeviceID() (string, error) {
	a, err := LoadAuth()
	if err != nil {
		return "", err
	}
	if a != nil && a.DeviceID != "" {
		return a.DeviceID, nil
	}
	if a == nil {
		a = &Auth{}
	}
	a.DeviceID = uuid.NewString()
	if err := SaveAuth(a); err != nil {
		return "", err
	}
	return a.DeviceID, nil
}
