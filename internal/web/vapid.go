package web

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const vapidKeysFile = "vapid_keys.json"

// VAPIDKeys is the persisted keypair used to sign push messages. Generated
// once per data directory so browser subscriptions survive restarts.
type VAPIDKeys struct {
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key"`
}

// EnsureVAPIDKeys loads the keypair from dir, generating and persisting a
// fresh one on first use. The file is written atomically so a crash cannot
// leave a half-written keypair behind.
func EnsureVAPIDKeys(dir string) (VAPIDKeys, error) {
	if dir == "" {
		return VAPIDKeys{}, fmt.Errorf("data directory not configured")
	}

	path := filepath.Join(dir, vapidKeysFile)

	data, err := os.ReadFile(path)
	if err == nil {
		var keys VAPIDKeys
		if jsonErr := json.Unmarshal(data, &keys); jsonErr != nil {
			return VAPIDKeys{}, fmt.Errorf("parse %s: %w", path, jsonErr)
		}
		if keys.PublicKey != "" && keys.PrivateKey != "" {
			return keys, nil
		}
		// Incomplete file, regenerate below.
	} else if !os.IsNotExist(err) {
		return VAPIDKeys{}, fmt.Errorf("read %s: %w", path, err)
	}

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("generate vapid keys: %w", err)
	}

	keys := VAPIDKeys{PublicKey: publicKey, PrivateKey: privateKey}
	encoded, err := json.MarshalIndent(keys, "", "  ")
	if err != nil {
		return VAPIDKeys{}, fmt.Errorf("encode vapid keys: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return VAPIDKeys{}, fmt.Errorf("create %s: %w", dir, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return VAPIDKeys{}, fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return VAPIDKeys{}, fmt.Errorf("rename %s: %w", tmp, err)
	}

	return keys, nil
}
