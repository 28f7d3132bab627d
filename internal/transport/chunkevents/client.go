// Package chunkevents carries chunk-ready notifications over Redis pub/sub
// so world providers in other processes can feed the readiness coordinator.
package chunkevents

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"structforge.ai/internal/sim/voxel"
)

// ChunkReadyChannel is the pub/sub channel for one world. Payloads are
// "cx,cz".
func ChunkReadyChannel(world string) string {
	return fmt.Sprintf("structforge:%s:chunk_ready", world)
}

// Client is world-scoped and safe for concurrent use.
type Client struct {
	rdb   *redis.Client
	world string
}

func NewClient(opts *redis.Options, world string) (*Client, error) {
	if world == "" {
		return nil, fmt.Errorf("world name cannot be empty")
	}
	return &Client{rdb: redis.NewClient(opts), world: world}, nil
}

func (c *Client) Close() error { return c.rdb.Close() }

func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

// PublishChunkReady announces that key is fully generated.
func (c *Client) PublishChunkReady(ctx context.Context, key voxel.ChunkKey) error {
	if err := c.rdb.Publish(ctx, ChunkReadyChannel(c.world), key.String()).Err(); err != nil {
		return fmt.Errorf("publish chunk %s: %w", key, err)
	}
	return nil
}

// Subscription delivers chunk keys until closed. Malformed payloads are
// reported on Errors and skipped.
type Subscription struct {
	events <-chan voxel.ChunkKey
	errors <-chan error
	cancel func()
	once   sync.Once
	done   chan struct{}
}

func (s *Subscription) Events() <-chan voxel.ChunkKey { return s.events }

func (s *Subscription) Errors() <-chan error { return s.errors }

// Close stops the subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(s.cancel)
	<-s.done
	return nil
}

// Subscribe returns once Redis has confirmed the subscription, so nothing
// published afterwards is missed.
func (c *Client) Subscribe(ctx context.Context) (*Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, ChunkReadyChannel(c.world))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ChunkReadyChannel(c.world), err)
	}

	events := make(chan voxel.ChunkKey, 64)
	errs := make(chan error, 10)
	subCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(events)
		defer close(errs)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				key, err := voxel.ParseChunkKey(msg.Payload)
				if err != nil {
					select {
					case errs <- err:
					case <-subCtx.Done():
						return
					default:
					}
					continue
				}
				select {
				case events <- key:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{events: events, errors: errs, cancel: cancel, done: done}, nil
}

// Forward feeds every received key to fn until the subscription ends. It
// blocks; run it on its own goroutine.
func Forward(sub *Subscription, fn func(voxel.ChunkKey), onErr func(error)) {
	events, errs := sub.Events(), sub.Errors()
	for events != nil || errs != nil {
		select {
		case k, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			fn(k)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if onErr != nil {
				onErr(err)
			}
		}
	}
}
