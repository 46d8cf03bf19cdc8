package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Secrets holds the tracker credential and any forwarded model-API key,
// decrypted in memory for the lifetime of one orchestrator run.
type Secrets struct {
	mu     sync.RWMutex
	values map[string]string
}

const (
	secretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768
	scryptR         = 8
	scryptP         = 1
	keySize         = 32
)

// NewSecrets returns an empty in-memory secrets set.
func NewSecrets() *Secrets {
	return &Secrets{values: make(map[string]string)}
}

// Get returns a secret by name, falling back to the identically-named
// environment variable when it has not been loaded from disk.
func (s *Secrets) Get(name string) (string, bool) {
	s.mu.RLock()
	v, ok := s.values[name]
	s.mu.RUnlock()
	if ok && v != "" {
		return v, true
	}
	if v := os.Getenv(name); v != "" {
		return v, true
	}
	return "", false
}

// Set stores a secret value in memory only.
func (s *Secrets) Set(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
}

// SaveToFile encrypts the current in-memory secrets to
// <stateDir>/secrets.json.enc using scrypt-derived AES-256-GCM.
func (s *Secrets) SaveToFile(stateDir, password string) error {
	s.mu.RLock()
	copyVals := make(map[string]string, len(s.values))
	for k, v := range s.values {
		copyVals[k] = v
	}
	s.mu.RUnlock()
	return EncryptSecretsFile(stateDir, password, copyVals)
}

// LoadFromFile decrypts <stateDir>/secrets.json.enc into memory.
func (s *Secrets) LoadFromFile(stateDir, password string) error {
	vals, err := DecryptSecretsFile(stateDir, password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.values = vals
	s.mu.Unlock()
	return nil
}

// EncryptSecretsFile writes secrets to <stateDir>/secrets.json.enc as
// [salt][nonce][ciphertext+tag], permissioned 0600.
func EncryptSecretsFile(stateDir, password string, secrets map[string]string) error {
	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return fmt.Errorf("derive key: %w", err)
	}
	defer zero(key)

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("create gcm: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	fileData := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, secretsFileName)
	if err := os.WriteFile(path, fileData, 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile reads and decrypts <stateDir>/secrets.json.enc.
func DecryptSecretsFile(stateDir, password string) (map[string]string, error) {
	path := filepath.Join(stateDir, secretsFileName)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0o600 {
		if err := os.Chmod(path, 0o600); err != nil {
			return nil, fmt.Errorf("fix secrets file permissions: %w", err)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	minSize := saltSize + nonceSize + 16
	if len(fileData) < minSize {
		return nil, fmt.Errorf("secrets file is corrupted or too small")
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets (wrong password or corrupted file)")
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("parse secrets: %w", err)
	}
	return secrets, nil
}

// SecretsFileExists reports whether stateDir holds an encrypted secrets file.
func SecretsFileExists(stateDir string) bool {
	_, err := os.Stat(filepath.Join(stateDir, secretsFileName))
	return err == nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
