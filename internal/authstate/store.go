// Package authstate persists the credential material a WhatsApp session needs
// to resume without re-pairing. Entries live in Redis so a session can be
// restarted on any process instance.
//
// Layout per connection id:
//
//	session:{id}:creds  JSON credentials blob
//	session:{id}:keys   hash of "{type}:{keyID}" -> raw key bytes
//
// Redis values are binary-safe, so key material is stored as raw bytes with
// no re-encoding.
//
// The key hash is the store's side of the durable-state contract: live signal
// material belongs to the provider's own device store, which reads and writes
// it directly. The registry only consumes the creds blob and Clear.
package authstate

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 30 * 24 * time.Hour

// Key material categories, mirroring the session layer's needs.
const (
	KeyTypePreKey    = "pre-key"
	KeyTypeSession   = "session"
	KeyTypeSenderKey = "sender-key"
	KeyTypeAppState  = "app-state"
)

// Creds is the serializable credential blob for one connection.
type Creds struct {
	ConnectionID string    `json:"connection_id"`
	DeviceJID    string    `json:"device_jid,omitempty"`
	Registered   bool      `json:"registered"`
	NoiseKey     []byte    `json:"noise_key"`
	IdentityKey  []byte    `json:"identity_key"`
	AdvSecret    []byte    `json:"adv_secret"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl}
}

func credsKey(id string) string { return "session:" + id + ":creds" }
func keysKey(id string) string  { return "session:" + id + ":keys" }

// Load returns the stored credentials for a connection, initializing and
// persisting fresh material when none exist yet.
func (s *Store) Load(ctx context.Context, connectionID string) (*Creds, error) {
	raw, err := s.rdb.Get(ctx, credsKey(connectionID)).Bytes()
	if err == redis.Nil {
		creds, err := newCreds(connectionID)
		if err != nil {
			return nil, err
		}
		if err := s.Save(ctx, creds); err != nil {
			return nil, err
		}
		return creds, nil
	}
	if err != nil {
		return nil, fmt.Errorf("authstate load: %w", err)
	}
	var creds Creds
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("authstate decode: %w", err)
	}
	return &creds, nil
}

// Save persists the credentials and refreshes both entries' TTLs. Called on
// every credential mutation.
func (s *Store) Save(ctx context.Context, creds *Creds) error {
	creds.UpdatedAt = time.Now()
	raw, err := json.Marshal(creds)
	if err != nil {
		return err
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, credsKey(creds.ConnectionID), raw, s.ttl)
	pipe.Expire(ctx, keysKey(creds.ConnectionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("authstate save: %w", err)
	}
	return nil
}

// GetKeys fetches a partial key map for one type. Missing ids are simply
// absent from the result.
func (s *Store) GetKeys(ctx context.Context, connectionID, keyType string, ids []string) (map[string][]byte, error) {
	if len(ids) == 0 {
		return map[string][]byte{}, nil
	}
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = keyType + ":" + id
	}
	vals, err := s.rdb.HMGet(ctx, keysKey(connectionID), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("authstate get keys: %w", err)
	}
	out := make(map[string][]byte, len(ids))
	for i, v := range vals {
		if v == nil {
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		out[ids[i]] = []byte(str)
	}
	return out, nil
}

// SetKeys merges key material into the stored hash. A nil value deletes the
// entry.
func (s *Store) SetKeys(ctx context.Context, connectionID, keyType string, keys map[string][]byte) error {
	if len(keys) == 0 {
		return nil
	}
	var sets []any
	var dels []string
	for id, v := range keys {
		field := keyType + ":" + id
		if v == nil {
			dels = append(dels, field)
			continue
		}
		sets = append(sets, field, v)
	}
	pipe := s.rdb.Pipeline()
	if len(sets) > 0 {
		pipe.HSet(ctx, keysKey(connectionID), sets...)
	}
	if len(dels) > 0 {
		pipe.HDel(ctx, keysKey(connectionID), dels...)
	}
	pipe.Expire(ctx, keysKey(connectionID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("authstate set keys: %w", err)
	}
	return nil
}

// Clear purges all material for a connection. Used on permanent logout.
func (s *Store) Clear(ctx context.Context, connectionID string) error {
	if err := s.rdb.Del(ctx, credsKey(connectionID), keysKey(connectionID)).Err(); err != nil {
		return fmt.Errorf("authstate clear: %w", err)
	}
	return nil
}

// Touch refreshes both entries' TTLs without mutating content. Long-lived
// sessions call this periodically so healthy state never expires.
func (s *Store) Touch(ctx context.Context, connectionID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Expire(ctx, credsKey(connectionID), s.ttl)
	pipe.Expire(ctx, keysKey(connectionID), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func newCreds(connectionID string) (*Creds, error) {
	c := &Creds{
		ConnectionID: connectionID,
		CreatedAt:    time.Now(),
	}
	for _, dst := range []*[]byte{&c.NoiseKey, &c.IdentityKey, &c.AdvSecret} {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("authstate keygen: %w", err)
		}
		*dst = buf
	}
	return c, nil
}
