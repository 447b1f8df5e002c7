package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"xdao.co/agentpay/events"
	"xdao.co/agentpay/identity"
)

type fakePublisher struct {
	mu     sync.Mutex
	msgs   []Message
	failAt uint64
}

func (f *fakePublisher) Publish(ctx context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt != 0 && m.Seq == f.failAt {
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func (f *fakePublisher) seqs() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = m.Seq
	}
	return out
}

var (
	alice = identity.FromPublicKey([]byte("alice"))
	bob   = identity.FromPublicKey([]byte("bob"))
)

func appendN(log *events.Log, n int) {
	for i := 0; i < n; i++ {
		log.Append(events.Event{TxSeq: uint64(i + 1), Time: time.Unix(0, 0).UTC(), Payload: events.IdentityRegistered{Identity: alice, DisplayName: "A"}})
	}
}

func TestFlushPublishesOnceInOrder(t *testing.T) {
	log := events.NewLog()
	pub := &fakePublisher{}
	r, err := New(log, pub, Options{Network: "base", Batch: 2})
	require.NoError(t, err)

	appendN(log, 3)
	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, []uint64{1, 2, 3}, pub.seqs())
	assert.Equal(t, uint64(3), r.Cursor())
	assert.Equal(t, "agentpay.events.IdentityRegistered", pub.msgs[0].RoutingKey)
	assert.Equal(t, MessageID("base", 1), pub.msgs[0].ID)
	assert.NotEqual(t, MessageID("base", 1), MessageID("base", 2))
	assert.NotEqual(t, MessageID("base", 1), MessageID("mainnet", 1))
}

func TestFailedPublishKeepsCursor(t *testing.T) {
	log := events.NewLog()
	pub := &fakePublisher{failAt: 2}
	var persisted []uint64
	r, err := New(log, pub, Options{OnCursor: func(c uint64) { persisted = append(persisted, c) }})
	require.NoError(t, err)

	appendN(log, 3)
	n, err := r.Flush(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(1), r.Cursor())
	assert.Equal(t, []uint64{1}, persisted)

	pub.failAt = 0
	_, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, pub.seqs())
}

func TestCursorPersistedOncePerFlush(t *testing.T) {
	log := events.NewLog()
	pub := &fakePublisher{}
	var persisted []uint64
	r, err := New(log, pub, Options{OnCursor: func(c uint64) { persisted = append(persisted, c) }})
	require.NoError(t, err)

	appendN(log, 5)
	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []uint64{5}, persisted)

	_, err = r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint64{5}, persisted, "an empty flush must not rewrite the cursor")
}

func TestFilterAndResumeCursor(t *testing.T) {
	log := events.NewLog()
	appendN(log, 2)
	log.Append(events.Event{Payload: events.PaymentRequested{ID: 0, From: alice, To: bob, Amount: 5}})

	pub := &fakePublisher{}
	r, err := New(log, pub, Options{Cursor: 1, Filter: events.Filter{Kinds: []events.Kind{events.KindPaymentRequested}}})
	require.NoError(t, err)
	n, err := r.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []uint64{3}, pub.seqs())
	assert.Equal(t, uint64(3), r.Cursor())
}

func TestScheduledRelay(t *testing.T) {
	log := events.NewLog()
	pub := &fakePublisher{}
	r, err := New(log, pub, Options{Schedule: "@every 1s"})
	require.NoError(t, err)
	appendN(log, 2)
	r.Start()
	defer r.Stop()

	require.Eventually(t, func() bool { return len(pub.seqs()) == 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestBadSchedule(t *testing.T) {
	_, err := New(events.NewLog(), &fakePublisher{}, Options{Schedule: "whenever"})
	assert.Error(t, err)
}

func TestPublishingCarriesMessageID(t *testing.T) {
	p := Publishing(Message{ID: "abc", Kind: events.KindTransfer, Seq: 9, Body: []byte("{}")})
	assert.Equal(t, "abc", p.MessageId)
	assert.Equal(t, "application/json", p.ContentType)
	assert.Equal(t, "9", p.Headers["seq"])
	assert.Equal(t, uint8(2), p.DeliveryMode)
}
