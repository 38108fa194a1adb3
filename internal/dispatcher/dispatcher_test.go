package dispatcher

import (
	"sync"
	"testing"

	"github.com/adred-codev/psmb/internal/pattern"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	return New(zerolog.Nop())
}

func mustCompile(t *testing.T, text string) *pattern.Pattern {
	t.Helper()
	p, err := pattern.Compile(text)
	require.NoError(t, err)
	return p
}

func TestSubscribePublishRouting(t *testing.T) {
	d := testDispatcher(t)
	sub, err := d.Subscribe(1, mustCompile(t, `chat\.en`))
	require.NoError(t, err)

	n := d.Publish([]byte("hello"), "chat.en")
	assert.Equal(t, 1, n)

	n = d.Publish([]byte("hallo"), "chat.de")
	assert.Equal(t, 0, n)

	entries := sub.DrainInbox()
	require.Len(t, entries, 1)
	assert.Equal(t, "chat.en", entries[0].Topic)
	assert.Equal(t, []byte("hello"), entries[0].Message)
}

func TestDuplicateIdentityRejected(t *testing.T) {
	d := testDispatcher(t)
	_, err := d.Subscribe(1, mustCompile(t, `.*`))
	require.NoError(t, err)

	_, err = d.Subscribe(1, mustCompile(t, `.*`))
	assert.ErrorIs(t, err, ErrSubscriberAlreadyExists)
}

func TestUnsubscribeRemovesEntryAndClosesNotify(t *testing.T) {
	d := testDispatcher(t)
	sub, err := d.Subscribe(1, mustCompile(t, `.*`))
	require.NoError(t, err)

	require.NoError(t, d.Unsubscribe(1))
	assert.Equal(t, 0, d.Size())

	_, open := <-sub.Notify
	assert.False(t, open)
}

func TestUnsubscribeUnknownIdentity(t *testing.T) {
	d := testDispatcher(t)
	err := d.Unsubscribe(42)
	assert.ErrorIs(t, err, ErrSubscriberNotFound)
}

func TestFIFOOrderingPerPublisher(t *testing.T) {
	d := testDispatcher(t)
	sub, err := d.Subscribe(1, mustCompile(t, `t`))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		d.Publish([]byte{byte(i)}, "t")
	}

	entries := sub.DrainInbox()
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, byte(i), e.Message[0])
	}
}

func TestPublishAfterUnsubscribeIsSkipped(t *testing.T) {
	d := testDispatcher(t)
	sub, err := d.Subscribe(1, mustCompile(t, `.*`))
	require.NoError(t, err)
	require.NoError(t, d.Unsubscribe(1))

	n := d.Publish([]byte("late"), "anything")
	assert.Equal(t, 0, n)
	assert.Empty(t, sub.DrainInbox())
}

func TestConcurrentPublishSubscribeUnsubscribe(t *testing.T) {
	d := testDispatcher(t)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			sub, err := d.Subscribe(id, mustCompile(t, `topic`))
			if err != nil {
				return
			}
			d.Publish([]byte("x"), "topic")
			sub.DrainInbox()
			_ = d.Unsubscribe(id)
		}(uint64(i) + 1)
	}

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Publish([]byte("y"), "topic")
		}()
	}

	wg.Wait()
	assert.Equal(t, 0, d.Size())
}

func TestAnonymousIdentitySynthesisUnique(t *testing.T) {
	d := testDispatcher(t)
	seen := make(map[uint64]bool)
	for i := 0; i < 100; i++ {
		id := d.NextAnonymousIdentity()
		assert.False(t, seen[id])
		seen[id] = true
		assert.NotEqual(t, uint64(0), id&anonymousIDBit)
	}
}
