// Package notify tells subscribers about versions once the transaction that
// added them has committed.
package notify

import (
	"context"
	"sync/atomic"

	"github.com/breez/sync-storage/metrics"
	"github.com/breez/sync-storage/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const subscriptionBuffer = 64

// VersionAdded is published for every committed AddVersion.
type VersionAdded struct {
	ClientID uuid.UUID
	Version  store.Version
}

type notifyChange struct {
	event *VersionAdded
}

type unsubscribe struct {
	clientID uuid.UUID
	id       int64
}

type Subscription struct {
	id         int64
	clientID   uuid.UUID
	eventsChan chan *VersionAdded
}

// Events is closed when the subscription is cancelled.
func (s *Subscription) Events() <-chan *VersionAdded {
	return s.eventsChan
}

// Manager fans events out to subscribers. A single goroutine, started by
// Start, owns the subscriptions; everything else talks to it through msgChan.
type Manager struct {
	l         *zap.Logger
	globalIDs atomic.Int64
	streams   map[uuid.UUID][]*Subscription
	msgChan   chan interface{}
	quitChan  chan struct{}
}

func NewManager(l *zap.Logger) *Manager {
	if l == nil {
		l = zap.NewNop()
	}
	return &Manager{
		l:       l,
		streams: make(map[uuid.UUID][]*Subscription),
		msgChan: make(chan interface{}),
	}
}

// Start runs the manager until quitChan is closed. It must be called before
// any other method.
func (m *Manager) Start(quitChan chan struct{}) {
	m.quitChan = quitChan
	go func() {
		for {
			select {
			case msg := <-m.msgChan:
				switch s := msg.(type) {
				case *Subscription:
					m.streams[s.clientID] = append(m.streams[s.clientID], s)
				case *unsubscribe:
					m.remove(s)
				case *notifyChange:
					m.publish(s.event)
				}

			case <-quitChan:
				for _, subs := range m.streams {
					for _, sub := range subs {
						close(sub.eventsChan)
					}
				}
				m.streams = nil
				return
			}
		}
	}()
}

func (m *Manager) remove(s *unsubscribe) {
	var newSubs []*Subscription
	for _, sub := range m.streams[s.clientID] {
		if sub.id != s.id {
			newSubs = append(newSubs, sub)
			continue
		}
		close(sub.eventsChan)
	}
	delete(m.streams, s.clientID)
	if len(newSubs) > 0 {
		m.streams[s.clientID] = newSubs
	}
}

func (m *Manager) publish(event *VersionAdded) {
	for _, sub := range m.streams[event.ClientID] {
		select {
		case sub.eventsChan <- event:
		default:
			metrics.NotificationsDroppedCounter.WithLabelValues().Inc()
			m.l.Warn("dropping version notification for slow subscriber",
				zap.Stringer("client", event.ClientID),
				zap.Stringer("version", event.Version.VersionID),
				zap.Int64("subscription", sub.id),
			)
		}
	}
}

func (m *Manager) send(msg interface{}) bool {
	select {
	case m.msgChan <- msg:
		return true
	case <-m.quitChan:
		return false
	}
}

func (m *Manager) notifyChange(event *VersionAdded) {
	m.send(&notifyChange{event: event})
}

// Subscribe returns a subscription to the versions committed for clientID.
// After the manager stopped, the returned subscription is already closed.
func (m *Manager) Subscribe(clientID uuid.UUID) *Subscription {
	s := &Subscription{
		id:         m.globalIDs.Add(1),
		clientID:   clientID,
		eventsChan: make(chan *VersionAdded, subscriptionBuffer),
	}
	if !m.send(s) {
		close(s.eventsChan)
	}
	return s
}

func (m *Manager) Unsubscribe(s *Subscription) {
	m.send(&unsubscribe{clientID: s.clientID, id: s.id})
}

// Wrap returns a Storage that publishes the versions of committed
// transactions to m.
func Wrap(storage store.Storage, m *Manager) store.Storage {
	return &notifyingStorage{Storage: storage, m: m}
}

type notifyingStorage struct {
	store.Storage
	m *Manager
}

func (s *notifyingStorage) Txn(ctx context.Context) (store.Txn, error) {
	txn, err := s.Storage.Txn(ctx)
	if err != nil {
		return nil, err
	}
	return &notifyingTxn{Txn: txn, m: s.m}, nil
}

type notifyingTxn struct {
	store.Txn
	m     *Manager
	added []*VersionAdded
}

func (t *notifyingTxn) AddVersion(ctx context.Context, clientID, versionID, parentVersionID uuid.UUID, historySegment []byte) error {
	if err := t.Txn.AddVersion(ctx, clientID, versionID, parentVersionID, historySegment); err != nil {
		return err
	}
	t.added = append(t.added, &VersionAdded{
		ClientID: clientID,
		Version: store.Version{
			VersionID:       versionID,
			ParentVersionID: parentVersionID,
			HistorySegment:  append([]byte{}, historySegment...),
		},
	})
	return nil
}

func (t *notifyingTxn) Commit(ctx context.Context) error {
	if err := t.Txn.Commit(ctx); err != nil {
		return err
	}
	added := t.added
	t.added = nil
	for _, event := range added {
		t.m.notifyChange(event)
	}
	return nil
}

func (t *notifyingTxn) Rollback(ctx context.Context) error {
	t.added = nil
	return t.Txn.Rollback(ctx)
}
