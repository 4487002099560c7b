package credentials

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/ferret/pkg/log"
	"github.com/cuemby/ferret/pkg/types"
)

// Kind says how a credential is presented to a data source.
type Kind string

const (
	KindBasic  Kind = "basic"
	KindBearer Kind = "bearer"
	KindAPIKey Kind = "api_key"
)

// Credential is one data source's secret material. Secret carries the
// password, token, or key depending on Kind.
type Credential struct {
	Name     string `json:"name"`
	Kind     Kind   `json:"kind"`
	Username string `json:"username,omitempty"`
	Secret   string `json:"secret"`
}

// AuthHeader renders the credential as an HTTP request header.
func (c *Credential) AuthHeader() (key, value string, ok bool) {
	switch c.Kind {
	case KindBasic:
		raw := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Secret))
		return "Authorization", "Basic " + raw, true
	case KindBearer:
		return "Authorization", "Bearer " + c.Secret, true
	case KindAPIKey:
		return "X-API-Key", c.Secret, true
	}
	return "", "", false
}

var bucketCredentials = []byte("credentials")

// Vault stores data-source credentials sealed with AES-256-GCM in a
// dedicated bolt file. The key is derived from an operator passphrase;
// the file holds only ciphertext, but treat it as sensitive anyway.
type Vault struct {
	db     *bolt.DB
	key    []byte
	logger zerolog.Logger
}

// Open creates or opens a vault file. The passphrase is hashed with
// SHA-256 to derive the 32-byte sealing key.
func Open(path, passphrase string) (*Vault, error) {
	if path == "" {
		return nil, fmt.Errorf("vault path required: %w", types.ErrInvalidRequest)
	}
	if passphrase == "" {
		return nil, fmt.Errorf("vault passphrase required: %w", types.ErrInvalidRequest)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %v", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketCredentials)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %v", err)
	}

	key := sha256.Sum256([]byte(passphrase))
	return &Vault{
		db:     db,
		key:    key[:],
		logger: log.WithComponent("credentials"),
	}, nil
}

// Put seals and stores a credential, replacing any previous one with
// the same name.
func (v *Vault) Put(c *Credential) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("credential needs a name: %w", types.ErrInvalidRequest)
	}
	if c.Secret == "" {
		return fmt.Errorf("credential %s has no secret: %w", c.Name, types.ErrInvalidRequest)
	}
	switch c.Kind {
	case KindBasic, KindBearer, KindAPIKey:
	default:
		return fmt.Errorf("unknown credential kind %q: %w", c.Kind, types.ErrInvalidRequest)
	}

	plain, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal credential: %v", err)
	}
	sealed, err := v.seal(plain)
	if err != nil {
		return err
	}

	err = v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put([]byte(c.Name), sealed)
	})
	if err != nil {
		return fmt.Errorf("failed to store credential: %v", err)
	}
	v.logger.Info().Str("name", c.Name).Str("kind", string(c.Kind)).Msg("credential stored")
	return nil
}

// Get unseals one credential by name.
func (v *Vault) Get(name string) (*Credential, error) {
	var sealed []byte
	err := v.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketCredentials).Get([]byte(name))
		if raw == nil {
			return fmt.Errorf("credential %s: %w", name, types.ErrNotFound)
		}
		sealed = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	plain, err := v.open(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal credential %s: %v", name, err)
	}
	var c Credential
	if err := json.Unmarshal(plain, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credential %s: %v", name, err)
	}
	return &c, nil
}

// Delete removes a credential. Deleting an absent name is a no-op.
func (v *Vault) Delete(name string) error {
	err := v.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("failed to delete credential: %v", err)
	}
	v.logger.Info().Str("name", name).Msg("credential removed")
	return nil
}

// Names lists stored credential names, sorted.
func (v *Vault) Names() ([]string, error) {
	var names []string
	err := v.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %v", err)
	}
	sort.Strings(names)
	return names, nil
}

// Close releases the vault file.
func (v *Vault) Close() error {
	return v.db.Close()
}

// seal encrypts with AES-256-GCM and prepends the nonce.
func (v *Vault) seal(plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %v", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %v", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// open reverses seal.
func (v *Vault) open(sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %v", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %v", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
