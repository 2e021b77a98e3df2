// Package bus provides a small generic publish/subscribe bus used to
// decouple device discovery from the per-device event loops.
package bus

import (
	"context"

	"go.uber.org/zap"
)

type Message[K comparable, M any] struct {
	Key     K
	Message M
}

type Publisher[M any] func(ctx context.Context, msg M)

type subscription[K comparable, M any] struct {
	ctx  context.Context
	ch   chan Message[K, M]
	keys []K
}

// Bus fans messages out to key-scoped and global subscribers. All
// subscriber state is owned by a single worker goroutine: registration,
// removal, channel close and delivery are serialized through it, so
// subscribers observe messages in publish order and an unsubscribe can
// never race a delivery in flight.
type Bus[K comparable, M any] struct {
	log   *zap.Logger
	ready chan struct{}

	ch    chan Message[K, M]
	sub   chan *subscription[K, M]
	unsub chan *subscription[K, M]

	runCtx context.Context
}

func NewBus[K comparable, M any](log *zap.Logger) *Bus[K, M] {
	return &Bus[K, M]{
		log:   log,
		ready: make(chan struct{}),
		ch:    make(chan Message[K, M]),
		sub:   make(chan *subscription[K, M]),
		unsub: make(chan *subscription[K, M]),
	}
}

func (b *Bus[K, M]) Start(ctx context.Context) error {
	b.runCtx = ctx
	go b.run(ctx)
	close(b.ready)
	return nil
}

func (b *Bus[K, M]) Ready() <-chan struct{} {
	return b.ready
}

func (b *Bus[K, M]) Publish(ctx context.Context, key K, msg M) {
	select {
	case <-ctx.Done():
	case b.ch <- Message[K, M]{Key: key, Message: msg}:
	}
}

func (b *Bus[K, M]) CreatePublisher(key K) Publisher[M] {
	return func(ctx context.Context, msg M) {
		b.Publish(ctx, key, msg)
	}
}

func (b *Bus[K, M]) run(ctx context.Context) {
	globalSubs := make(map[*subscription[K, M]]struct{})
	keySubs := make(map[K]map[*subscription[K, M]]struct{})
	registered := func(s *subscription[K, M]) bool {
		if len(s.keys) == 0 {
			_, ok := globalSubs[s]
			return ok
		}
		_, ok := keySubs[s.keys[0]][s]
		return ok
	}
	remove := func(s *subscription[K, M]) {
		if !registered(s) {
			return
		}
		if len(s.keys) == 0 {
			delete(globalSubs, s)
		} else {
			for _, k := range s.keys {
				delete(keySubs[k], s)
				if len(keySubs[k]) == 0 {
					delete(keySubs, k)
				}
			}
		}
		close(s.ch)
	}
	defer func() {
		for s := range globalSubs {
			close(s.ch)
		}
		for _, subs := range keySubs {
			for s := range subs {
				remove(s)
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-b.sub:
			if len(s.keys) == 0 {
				globalSubs[s] = struct{}{}
				continue
			}
			for _, k := range s.keys {
				if keySubs[k] == nil {
					keySubs[k] = make(map[*subscription[K, M]]struct{}, 4)
				}
				keySubs[k][s] = struct{}{}
			}
		case s := <-b.unsub:
			remove(s)
		case msg := <-b.ch:
			for s := range globalSubs {
				b.send(ctx, s, msg)
			}
			for s := range keySubs[msg.Key] {
				b.send(ctx, s, msg)
			}
		}
	}
}

// send delivers one message to one subscriber. A subscriber whose
// context is gone is skipped, so a consumer that stopped reading never
// parks the worker.
func (b *Bus[K, M]) send(ctx context.Context, s *subscription[K, M], msg Message[K, M]) {
	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	case s.ch <- msg:
	}
}

// Subscribe returns a channel receiving messages for the given keys, or
// all messages when no key is given. The channel is closed when ctx is
// cancelled. Must be called after Start; registration is complete when
// Subscribe returns, so a subsequent Publish is always delivered.
func (b *Bus[K, M]) Subscribe(ctx context.Context, key ...K) <-chan Message[K, M] {
	s := &subscription[K, M]{
		ctx:  ctx,
		ch:   make(chan Message[K, M]),
		keys: key,
	}
	select {
	case <-ctx.Done():
		close(s.ch)
		return s.ch
	case b.sub <- s:
	}
	go func() {
		select {
		case <-b.runCtx.Done():
			// The worker closes every remaining channel on exit.
			return
		case <-ctx.Done():
			select {
			case <-b.runCtx.Done():
			case b.unsub <- s:
			}
		}
	}()
	return s.ch
}
