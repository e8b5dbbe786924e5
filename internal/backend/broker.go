package backend

import (
	"context"
	"sync"

	"github.com/cuemby/platt-gateway/internal/index"
)

// subscriberBuffer bounds how many pending pushes a slow or disconnected
// new_file_message conversation tolerates before new pushes are dropped
// for it specifically.
const subscriberBuffer = 256

// newFileBroker fans the Index Store's new-file push channel out to every
// connected new_file_message conversation, continuously draining and
// discarding when nobody is subscribed so a reconnecting backend never
// receives a stale burst.
type newFileBroker struct {
	mu          sync.RWMutex
	subscribers map[chan index.Record]bool
	source      <-chan index.Record
}

func newNewFileBroker(source <-chan index.Record) *newFileBroker {
	return &newFileBroker{subscribers: map[chan index.Record]bool{}, source: source}
}

// Run drains source and broadcasts every record until ctx is cancelled.
func (b *newFileBroker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-b.source:
			if !ok {
				return
			}
			b.broadcast(rec)
		}
	}
}

func (b *newFileBroker) Subscribe() chan index.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := make(chan index.Record, subscriberBuffer)
	b.subscribers[sub] = true
	return sub
}

func (b *newFileBroker) Unsubscribe(sub chan index.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

func (b *newFileBroker) broadcast(rec index.Record) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- rec:
		default:
		}
	}
}
