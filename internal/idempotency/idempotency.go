package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// Store is the raw key-value backend; the redis adapter implements it.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

var ErrInFlight = errors.New("request with this idempotency key is in progress")

const lockTTL = 30 * time.Second

type Idempotency struct {
	store Store
	ttl   time.Duration
}

func NewIdempotency(store Store, ttl time.Duration) *Idempotency {
	return &Idempotency{store: store, ttl: ttl}
}

// Response is a finished request replayed for a repeated key. Request is the
// method and path it answered, so a key reused elsewhere is detected.
type Response struct {
	Request     string `json:"request"`
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Result      []byte `json:"result"`
}

// Keys are scoped by caller so two subjects never share a stored response.
func scoped(subject, key string) string {
	return subject + ":" + key
}

func (i *Idempotency) Get(ctx context.Context, subject, key string) (*Response, error) {
	raw, err := i.store.Get(ctx, scoped(subject, key))
	if err != nil || raw == nil {
		return nil, err
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errors.Wrap(err, "decode stored response")
	}
	return &resp, nil
}

func (i *Idempotency) Set(ctx context.Context, subject, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "encode response")
	}
	return i.store.Set(ctx, scoped(subject, key), data, i.ttl)
}

// Begin claims the key for one request at a time. It returns ErrInFlight when
// another request with the same key has not finished.
func (i *Idempotency) Begin(ctx context.Context, subject, key string) error {
	ok, err := i.store.Claim(ctx, scoped(subject, key), lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInFlight
	}
	return nil
}

func (i *Idempotency) End(ctx context.Context, subject, key string) error {
	return i.store.Release(ctx, scoped(subject, key))
}
