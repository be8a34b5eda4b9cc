package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/quizduel/internal/models"
	"github.com/sirupsen/logrus"
)

type localSub struct {
	ch chan models.Snapshot
}

// topic is the per-lobby fan-out state. It lives only while the lobby has subscribers.
type topic struct {
	subs    map[*localSub]struct{}
	lastRev int64
}

// LocalBus delivers snapshots to subscribers inside this process.
type LocalBus struct {
	mu     sync.Mutex
	topics map[uuid.UUID]*topic
	buffer int
	logger *logrus.Entry
}

// NewLocalBus creates an in-process bus with the given per-subscriber buffer (0 means DefaultBuffer).
func NewLocalBus(logger *logrus.Logger, buffer int) *LocalBus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &LocalBus{
		topics: make(map[uuid.UUID]*topic),
		buffer: buffer,
		logger: logger.WithField("component", "bus.local"),
	}
}

// Publish fans s out to every subscriber of its lobby. A snapshot older than one already
// published for the same lobby is dropped, so subscribers always see revisions in commit order
// even when two publishers race after their commits. Ordering is tracked per subscription
// period: a lobby nobody watches keeps no state here, and a new subscriber relies on its own
// Cursor against the snapshot it read on attach.
func (b *LocalBus) Publish(_ context.Context, s models.Snapshot) error {
	id := s.Lobby.ID
	b.mu.Lock()
	defer b.mu.Unlock()

	tp := b.topics[id]
	if tp == nil {
		return nil
	}
	if s.Revision <= tp.lastRev {
		b.logger.WithFields(logrus.Fields{"lobby_id": id, "revision": s.Revision}).Debug("skipping stale snapshot")
		return nil
	}
	tp.lastRev = s.Revision

	for sub := range tp.subs {
		if offer(sub.ch, s) {
			b.logger.WithField("lobby_id", id).Debug("subscriber lagging, coalesced snapshot")
		}
	}
	return nil
}

func (b *LocalBus) Subscribe(ctx context.Context, lobbyID uuid.UUID) (<-chan models.Snapshot, func(), error) {
	sub := &localSub{ch: make(chan models.Snapshot, b.buffer)}

	b.mu.Lock()
	tp := b.topics[lobbyID]
	if tp == nil {
		tp = &topic{subs: make(map[*localSub]struct{})}
		b.topics[lobbyID] = tp
	}
	tp.subs[sub] = struct{}{}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(tp.subs, sub)
			if len(tp.subs) == 0 {
				delete(b.topics, lobbyID)
			}
			close(sub.ch)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return sub.ch, cancel, nil
}

// Subscribers reports how many observers are attached to a lobby.
func (b *LocalBus) Subscribers(lobbyID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tp := b.topics[lobbyID]; tp != nil {
		return len(tp.subs)
	}
	return 0
}

// tracked reports how many lobbies currently hold fan-out state.
func (b *LocalBus) tracked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
