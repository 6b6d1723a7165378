package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/ssargent/skalddb/pkg/codec"
	"github.com/ssargent/skalddb/pkg/config"
	"github.com/ssargent/skalddb/pkg/engine"
)

// keysTable holds API keys inside the database they protect. Tables whose
// names start with an underscore are hidden from the table endpoints.
const keysTable = "_api_keys"

var keySchema = codec.NewSchema("api_keys").
	String("id").
	Bytes("hash").
	String("description").
	Int64("created_at").
	Int64("expires_at").
	Bool("active").
	Key("id").
	MustBuild()

type storedKey struct {
	ID          string
	Hash        []byte
	Description string
	CreatedAt   int64 // unix nanoseconds
	ExpiresAt   int64 // unix nanoseconds, 0 = never
	Active      bool
}

var keyCodec = codec.Bind(keySchema,
	func(k storedKey) codec.Row {
		return codec.Row{
			codec.String(k.ID),
			codec.Bytes(k.Hash),
			codec.String(k.Description),
			codec.Int64(k.CreatedAt),
			codec.Int64(k.ExpiresAt),
			codec.Bool(k.Active),
		}
	},
	func(r codec.Row) (storedKey, error) {
		return storedKey{
			ID:          r[0].Str(),
			Hash:        r[1].Blob(),
			Description: r[2].Str(),
			CreatedAt:   r[3].Int(),
			ExpiresAt:   r[4].Int(),
			Active:      r[5].Bool(),
		}, nil
	},
)

func (k storedKey) public() APIKey {
	out := APIKey{
		ID:          k.ID,
		Description: k.Description,
		CreatedAt:   time.Unix(0, k.CreatedAt).UTC(),
		IsActive:    k.Active,
	}
	if k.ExpiresAt != 0 {
		exp := time.Unix(0, k.ExpiresAt).UTC()
		out.ExpiresAt = &exp
	}
	return out
}

// KeyStore manages API keys. A token is "<id>.<secret>"; only a SHA-256 of
// the secret is stored.
type KeyStore struct {
	db   *engine.Database
	keys *engine.Typed[storedKey]
	now  func() time.Time
}

// OpenKeyStore binds to the key table in db, creating it on first use.
func OpenKeyStore(db *engine.Database) (*KeyStore, error) {
	keys, err := engine.Bind(db, keysTable, keyCodec)
	if errors.Is(err, engine.ErrUnknownTable) {
		keys, err = engine.CreateTyped(db, keysTable, keyCodec)
	}
	if err != nil {
		return nil, fmt.Errorf("api keys: %w", err)
	}
	return &KeyStore{db: db, keys: keys, now: time.Now}, nil
}

// Create stores a new key and returns it with its token.
func (ks *KeyStore) Create(description string, ttl time.Duration) (APIKey, error) {
	secret, err := config.GenerateSecureKey(32)
	if err != nil {
		return APIKey{}, err
	}
	now := ks.now()
	k := storedKey{
		ID:          ksuid.New().String(),
		Hash:        hashSecret(secret),
		Description: description,
		CreatedAt:   now.UnixNano(),
		Active:      true,
	}
	if ttl > 0 {
		k.ExpiresAt = now.Add(ttl).UnixNano()
	}
	if err := ks.commit(func(tx *engine.Transaction) error { return ks.keys.Insert(tx, k) }); err != nil {
		return APIKey{}, err
	}
	out := k.public()
	out.Token = k.ID + "." + secret
	return out, nil
}

// Validate reports whether token names an active, unexpired key.
func (ks *KeyStore) Validate(token string) (bool, error) {
	id, secret, ok := strings.Cut(token, ".")
	if !ok || id == "" || secret == "" {
		return false, nil
	}
	k, err := ks.keys.Get(codec.String(id))
	if errors.Is(err, engine.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !k.Active || (k.ExpiresAt != 0 && ks.now().UnixNano() >= k.ExpiresAt) {
		return false, nil
	}
	return subtle.ConstantTimeCompare(k.Hash, hashSecret(secret)) == 1, nil
}

// Get returns the key with the given id.
func (ks *KeyStore) Get(id string) (APIKey, error) {
	k, err := ks.keys.Get(codec.String(id))
	if err != nil {
		return APIKey{}, err
	}
	return k.public(), nil
}

// List returns every key in creation order.
func (ks *KeyStore) List() ([]APIKey, error) {
	out := []APIKey{}
	for k, err := range ks.keys.Scan() {
		if err != nil {
			return nil, err
		}
		out = append(out, k.public())
	}
	return out, nil
}

// Revoke deactivates a key without deleting it.
func (ks *KeyStore) Revoke(id string) error {
	k, err := ks.keys.Get(codec.String(id))
	if err != nil {
		return err
	}
	k.Active = false
	return ks.commit(func(tx *engine.Transaction) error {
		return ks.keys.Update(tx, codec.String(id), k)
	})
}

// Delete removes a key.
func (ks *KeyStore) Delete(id string) error {
	return ks.commit(func(tx *engine.Transaction) error {
		return ks.keys.Delete(tx, codec.String(id))
	})
}

func (ks *KeyStore) commit(stage func(*engine.Transaction) error) error {
	tx, err := ks.db.Begin()
	if err != nil {
		return err
	}
	if err := stage(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func hashSecret(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}
