package nats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/lexrag/internal/core/domain"
)

const DefaultLockBucket = "LEXRAG_JOB_LOCKS"

// KVLocker holds one key per running job in a JetStream KV bucket. The bucket
// TTL frees the lock of a worker that died without releasing it.
type KVLocker struct {
	kv jetstream.KeyValue
}

func NewKVLocker(ctx context.Context, js jetstream.JetStream, bucket string, ttl time.Duration) (*KVLocker, error) {
	if bucket == "" {
		bucket = DefaultLockBucket
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "non-overlap locks for ingestion jobs",
		History:     1,
		TTL:         ttl,
	})
	if err != nil {
		return nil, asTemporary("nats lock bucket", fmt.Errorf("ensure kv bucket %s: %w", bucket, err))
	}
	return &KVLocker{kv: kv}, nil
}

func (l *KVLocker) Acquire(ctx context.Context, jobName, owner string) (func(context.Context) error, error) {
	key := lockKey(jobName)
	revision, err := l.kv.Create(ctx, key, []byte(owner))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			holder := ""
			if entry, getErr := l.kv.Get(ctx, key); getErr == nil {
				holder = string(entry.Value())
			}
			return nil, domain.WrapError(domain.ErrJobLocked, "acquire job lock", fmt.Errorf("job %s held by %q", jobName, holder))
		}
		return nil, asTemporary("acquire job lock", err)
	}

	release := func(releaseCtx context.Context) error {
		err := l.kv.Delete(releaseCtx, key, jetstream.LastRevision(revision))
		if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return fmt.Errorf("release job lock %s: %w", jobName, err)
		}
		return nil
	}
	return release, nil
}

// lockKey maps a job name onto the KV key alphabet.
func lockKey(jobName string) string {
	var b strings.Builder
	b.Grow(len(jobName))
	for _, r := range jobName {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
