package credential

import (
	"fmt"
	"os"
	"strings"

	"github.com/99designs/keyring"
)

const serviceName = "licence-relay"

// Well-known credential keys.
const (
	KeyIMAPPassword   = "imap-password"
	KeySMTPPassword   = "smtp-password"
	KeyCallbackSecret = "callback-secret"
)

// openKeyring returns a configured keyring instance.
func openKeyring() (keyring.Keyring, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  "~/.config/licence-relay/credentials",
		FilePasswordFunc:         keyring.FixedStringPrompt("licence-relay-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return ring, nil
}

// envName maps a credential key to its environment override, e.g.
// "imap-password" becomes LICENCE_RELAY_IMAP_PASSWORD.
func envName(key string) string {
	return "LICENCE_RELAY_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}

// Get retrieves a credential value by key from the system keyring.
// When the keyring has no entry (containers usually have no keyring
// daemon), the matching environment variable is used instead.
func Get(key string) (string, error) {
	ring, err := openKeyring()
	if err == nil {
		item, getErr := ring.Get(key)
		if getErr == nil {
			return string(item.Data), nil
		}
		err = getErr
	}

	if v := os.Getenv(envName(key)); v != "" {
		return v, nil
	}

	return "", fmt.Errorf("getting credential %q: %w", key, err)
}

// Set stores a credential value by key in the system keyring.
func Set(key string, value string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Set(keyring.Item{
		Key:  key,
		Data: []byte(value),
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}

	return nil
}

// Delete removes a credential by key from the system keyring.
func Delete(key string) error {
	ring, err := openKeyring()
	if err != nil {
		return err
	}

	err = ring.Remove(key)
	if err != nil {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}

	return nil
}
