package token

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/elskow/warden/internal/config"
)

var ErrUnknownKey = errors.New("unknown signing key")

// KeyRing holds the RSA keys used for access tokens. Exactly one key signs;
// every key in the ring verifies.
//
// Rotation: Add the new key, Activate it, and keep the previous key in the
// ring until the longest-lived token it signed has expired. Then Remove it.
type KeyRing struct {
	mu     sync.RWMutex
	active string
	keys   map[string]*rsa.PrivateKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{keys: make(map[string]*rsa.PrivateKey)}
}

func (k *KeyRing) Add(kid string, key *rsa.PrivateKey) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.keys[kid] = key
	if k.active == "" {
		k.active = kid
	}
}

func (k *KeyRing) Activate(kid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.keys[kid]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	k.active = kid
	return nil
}

func (k *KeyRing) Remove(kid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if kid == k.active {
		return fmt.Errorf("cannot remove active key %s", kid)
	}
	delete(k.keys, kid)
	return nil
}

func (k *KeyRing) Signing() (string, *rsa.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[k.active]
	if !ok {
		return "", nil, ErrUnknownKey
	}
	return k.active, key, nil
}

func (k *KeyRing) PublicKey(kid string) (*rsa.PublicKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, kid)
	}
	return &key.PublicKey, nil
}

func (k *KeyRing) KeyIDs() []string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]string, 0, len(k.keys))
	for kid := range k.keys {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

// LoadKeyRing reads the PEM files named in cfg.KeyFiles. With no files
// configured it generates an ephemeral key, which only makes sense outside
// production since tokens do not survive a restart.
func LoadKeyRing(cfg *config.TokenConfig, log *zap.Logger) (*KeyRing, error) {
	ring := NewKeyRing()

	if len(cfg.KeyFiles) == 0 {
		key, err := GenerateKey(2048)
		if err != nil {
			return nil, err
		}
		ring.Add("ephemeral", key)
		log.Warn("no signing keys configured, using an ephemeral key")
		return ring, nil
	}

	for kid, path := range cfg.KeyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read key %s: %w", kid, err)
		}
		key, err := ParsePrivateKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse key %s: %w", kid, err)
		}
		ring.Add(kid, key)
	}

	if cfg.ActiveKeyID != "" {
		if err := ring.Activate(cfg.ActiveKeyID); err != nil {
			return nil, err
		}
	} else if len(cfg.KeyFiles) > 1 {
		return nil, errors.New("token.active_key_id is required when more than one key is configured")
	}

	active, _, _ := ring.Signing()
	log.Info("signing keys loaded",
		zap.String("active_kid", active),
		zap.Strings("kids", ring.KeyIDs()))
	return ring, nil
}

func GenerateKey(bits int) (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, bits)
}

func EncodePrivateKeyPEM(key *rsa.PrivateKey) []byte {
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
}

func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("PKCS8 key is not RSA")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}
