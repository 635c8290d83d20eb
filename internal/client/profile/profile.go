package profile

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const fileName = "profile.json"

// Profile is the saved login of one terminal client profile.
type Profile struct {
	APIURL   string `json:"api_url"`
	WSURL    string `json:"ws_url,omitempty"`
	Token    string `json:"token"`
	UserID   string `json:"user_id,omitempty"`
	UserType string `json:"user_type,omitempty"`
}

func Dir(profileName string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "chatsync", profileName)
}

func machineID() []byte {
	paths := []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return []byte(id)
			}
		}
	}
	hostname, _ := os.Hostname()
	return []byte(hostname)
}

// deriveKey binds the file key to this machine and profile name, so a
// profile copied elsewhere does not decrypt.
func deriveKey(profileName string) ([]byte, error) {
	r := hkdf.New(sha256.New, machineID(), []byte("chatsync-profile"), []byte(profileName))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

func newGCM(profileName string) (cipher.AEAD, error) {
	key, err := deriveKey(profileName)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func encrypt(profileName string, data []byte) (string, error) {
	gcm, err := newGCM(profileName)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, data, nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func decrypt(profileName, encoded string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(profileName)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// Load reads a saved profile. It returns nil when none exists or it cannot
// be read. A plain JSON file, written by hand, is accepted once and
// re-saved encrypted.
func Load(profileName string) *Profile {
	dir := Dir(profileName)
	if dir == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		return nil
	}

	decrypted, err := decrypt(profileName, string(data))
	if err != nil {
		var p Profile
		if err := json.Unmarshal(data, &p); err == nil && p.Token != "" {
			Save(profileName, p)
			return &p
		}
		return nil
	}

	var p Profile
	if err := json.Unmarshal(decrypted, &p); err != nil {
		return nil
	}
	return &p
}

func Save(profileName string, p Profile) error {
	dir := Dir(profileName)
	if dir == "" {
		return errors.New("could not get config directory")
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	encrypted, err := encrypt(profileName, data)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, fileName), []byte(encrypted), 0600)
}

func Clear(profileName string) {
	if dir := Dir(profileName); dir != "" {
		os.Remove(filepath.Join(dir, fileName))
	}
}
