package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/nats-io/nats.go/jetstream"
)

// KV stores entries in a JetStream key value bucket so that all instances
// connected to the same NATS share them. The bucket TTL bounds every entry;
// shorter timeouts are enforced on read.
type KV struct {
	kv  jetstream.KeyValue
	now func() time.Time
}

type kvEnvelope struct {
	Expires time.Time `cbor:"expires"`
	Value   []byte    `cbor:"value"`
}

func NewKV(ctx context.Context, js jetstream.JetStream, bucket string, maxTimeout time.Duration) (*KV, error) {
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "vizql query results",
		TTL:         maxTimeout,
		Storage:     jetstream.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create or update cache KV: %w", err)
	}
	return &KV{kv: kv, now: time.Now}, nil
}

func (c *KV) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := c.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var env kvEnvelope
	if err := cbor.Unmarshal(entry.Value(), &env); err != nil {
		return nil, fmt.Errorf("error decoding cache envelope: %w", err)
	}
	if !env.Expires.IsZero() && !c.now().Before(env.Expires) {
		return nil, nil
	}
	return env.Value, nil
}

func (c *KV) Set(ctx context.Context, key string, value []byte, timeout time.Duration) error {
	env := kvEnvelope{Value: value}
	if timeout > 0 {
		env.Expires = c.now().Add(timeout)
	}
	b, err := encMode.Marshal(env)
	if err != nil {
		return fmt.Errorf("error encoding cache envelope: %w", err)
	}
	_, err = c.kv.Put(ctx, key, b)
	return err
}

func (c *KV) Delete(ctx context.Context, key string) error {
	err := c.kv.Delete(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil
	}
	return err
}
