package credential

import (
	"errors"
	"fmt"
	"slices"

	"github.com/99designs/keyring"

	"github.com/nhle/applytrack/internal/model"
)

const serviceName = "applytrack"

// Keys under which secrets are stored.
const (
	KeyIMAPPassword    = "imap_password"
	KeyExtractorAPIKey = "extractor_api_key"
)

// Keys lists every secret the application reads.
var Keys = []string{KeyIMAPPassword, KeyExtractorAPIKey}

// ErrUnknownKey is returned for a key outside Keys.
var ErrUnknownKey = errors.New("unknown secret")

// Vault reads and writes application secrets in a keyring. The keyring is
// opened lazily on every call so that a locked backend only fails the
// operation that needs it.
type Vault struct {
	open func() (keyring.Keyring, error)
}

// NewVault returns a Vault over an already opened keyring.
func NewVault(ring keyring.Keyring) *Vault {
	return &Vault{open: func() (keyring.Keyring, error) { return ring, nil }}
}

var system = &Vault{open: openSystem}

func openSystem() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/applytrack/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("applytrack-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

func checkKey(key string) error {
	if !slices.Contains(Keys, key) {
		return fmt.Errorf("%w %q", ErrUnknownKey, key)
	}
	return nil
}

// Get returns the secret stored under key.
func (v *Vault) Get(key string) (string, error) {
	if err := checkKey(key); err != nil {
		return "", err
	}
	ring, err := v.open()
	if err != nil {
		return "", err
	}
	item, err := ring.Get(key)
	if err != nil {
		return "", fmt.Errorf("reading secret %q: %w", key, err)
	}
	return string(item.Data), nil
}

// Set stores value under key, replacing any previous value.
func (v *Vault) Set(key, value string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if value == "" {
		return fmt.Errorf("secret %q: empty value", key)
	}
	ring, err := v.open()
	if err != nil {
		return err
	}
	err = ring.Set(keyring.Item{
		Key:         key,
		Data:        []byte(value),
		Label:       serviceName + " " + key,
		Description: "applytrack mailbox ingestion secret",
	})
	if err != nil {
		return fmt.Errorf("storing secret %q: %w", key, err)
	}
	return nil
}

// Delete removes the secret under key. Deleting an absent secret succeeds.
func (v *Vault) Delete(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	ring, err := v.open()
	if err != nil {
		return err
	}
	if err := ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting secret %q: %w", key, err)
	}
	return nil
}

// Get reads a secret from the system keyring.
func Get(key string) (string, error) { return system.Get(key) }

// Set writes a secret to the system keyring.
func Set(key, value string) error { return system.Set(key, value) }

// Delete removes a secret from the system keyring.
func Delete(key string) error { return system.Delete(key) }

// Getter looks up a secret by key.
type Getter func(key string) (string, error)

// Fill sets secrets that config and environment left empty from the
// keyring. A missing item is not an error; the config validator reports
// what is still absent.
func Fill(cfg *model.AppConfig, get Getter) error {
	if get == nil {
		get = Get
	}

	fields := []struct {
		key  string
		dest *string
	}{
		{KeyIMAPPassword, &cfg.IMAP.Password},
		{KeyExtractorAPIKey, &cfg.Extractor.APIKey},
	}

	for _, f := range fields {
		if *f.dest != "" {
			continue
		}
		v, err := get(f.key)
		if err != nil {
			if errors.Is(err, keyring.ErrKeyNotFound) || errors.Is(err, keyring.ErrNoAvailImpl) {
				continue
			}
			return err
		}
		*f.dest = v
	}
	return nil
}
