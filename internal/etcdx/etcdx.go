// Package etcdx contains helpers shared by the etcd-backed adapters.
package etcdx

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// Config is the etcd client configuration.
type Config struct {
	// Endpoints is the list of etcd cluster endpoints.
	Endpoints []string `yaml:"endpoints"`
	// DialTimeout is the timeout for establishing a connection.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

func DefaultConfig() *Config {
	return &Config{
		Endpoints:   []string{"localhost:2379"},
		DialTimeout: 5 * time.Second,
	}
}

// Dial connects to the etcd cluster.
func Dial(cfg *Config, log *zap.SugaredLogger) (*clientv3.Client, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
		Logger:      log.Desugar().Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return client, nil
}

// Handler receives the state of a mirrored key prefix.
type Handler interface {
	// ApplySnapshot replaces the whole mirrored state.
	ApplySnapshot(kvs map[string][]byte)
	// ApplyPut applies a single key update.
	ApplyPut(key string, value []byte) error
	// ApplyDelete applies a single key removal.
	ApplyDelete(key string)
}

// Mirror keeps the handler in sync with all keys under the prefix until the
// context is canceled.
//
// The prefix is read in full first, then followed with a watch starting at
// the next revision. On any watch failure, including compaction, the full
// read is repeated, so the handler always converges to the etcd state.
func Mirror(
	ctx context.Context,
	client *clientv3.Client,
	prefix string,
	handler Handler,
	log *zap.SugaredLogger,
) error {
	log = log.With(zap.String("prefix", prefix))

	bo := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         30 * time.Second,
	}
	bo.Reset()

	for {
		rev, err := snapshot(ctx, client, prefix, handler)
		if err == nil {
			log.Infow("loaded prefix snapshot", zap.Int64("revision", rev))
			bo.Reset()
			err = watch(ctx, client, prefix, rev+1, handler, log)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warnw("prefix mirror interrupted, resynchronizing", zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

func snapshot(ctx context.Context, client *clientv3.Client, prefix string, handler Handler) (int64, error) {
	resp, err := client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, fmt.Errorf("etcd get %q: %w", prefix, err)
	}

	kvs := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		kvs[string(kv.Key)] = kv.Value
	}
	handler.ApplySnapshot(kvs)

	return resp.Header.Revision, nil
}

func watch(
	ctx context.Context,
	client *clientv3.Client,
	prefix string,
	rev int64,
	handler Handler,
	log *zap.SugaredLogger,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wch := client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev))
	for resp := range wch {
		if resp.CompactRevision != 0 {
			return fmt.Errorf("watch revision %d compacted at %d", rev, resp.CompactRevision)
		}
		if err := resp.Err(); err != nil {
			return fmt.Errorf("watch failed: %w", err)
		}

		for _, ev := range resp.Events {
			key := string(ev.Kv.Key)
			switch ev.Type {
			case clientv3.EventTypePut:
				if err := handler.ApplyPut(key, ev.Kv.Value); err != nil {
					log.Warnw("skipping malformed key", zap.String("key", key), zap.Error(err))
				}
			case clientv3.EventTypeDelete:
				handler.ApplyDelete(key)
			}
		}
	}

	return fmt.Errorf("watch channel closed")
}
