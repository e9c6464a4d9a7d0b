package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e := <-sub.C:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestPublishDeliversToMatchingPrefix(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("temp")
	defer sub.Cancel()

	other := b.Subscribe("humidity")
	defer other.Cancel()

	ok := b.Publish(Event{Name: "temp/outside", Data: "72", DeviceID: "aa"})
	require.True(t, ok)

	e := recv(t, sub)
	assert.Equal(t, "temp/outside", e.Name)
	assert.Equal(t, "72", e.Data)
	assert.Equal(t, DefaultTTL, e.TTL)
	assert.False(t, e.Published.IsZero())

	select {
	case <-other.C:
		t.Fatal("prefix filter leaked")
	default:
	}
}

func TestSubscribeFilters(t *testing.T) {
	b := NewBroker()
	byDevice := b.Subscribe("", WithDevice("aa"))
	defer byDevice.Cancel()
	byUser := b.Subscribe("", WithUser("user-1"))
	defer byUser.Cancel()

	b.Publish(Event{Name: "x", DeviceID: "bb", UserID: "user-2"})
	b.Publish(Event{Name: "y", DeviceID: "aa", UserID: "user-1"})

	assert.Equal(t, "y", recv(t, byDevice).Name)
	assert.Equal(t, "y", recv(t, byUser).Name)

	select {
	case e := <-byDevice.C:
		t.Fatalf("device filter leaked %q", e.Name)
	default:
	}
}

func TestRateLimit(t *testing.T) {
	b := NewBroker()
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }
	b.SetRateLimit(2)

	assert.True(t, b.Publish(Event{Name: "e1", DeviceID: "aa"}))
	assert.True(t, b.Publish(Event{Name: "e2", DeviceID: "aa"}))
	assert.False(t, b.Publish(Event{Name: "e3", DeviceID: "aa"}))

	// A different device has its own window.
	assert.True(t, b.Publish(Event{Name: "e4", DeviceID: "bb"}))

	// The window resets the next second.
	now = now.Add(time.Second)
	assert.True(t, b.Publish(Event{Name: "e5", DeviceID: "aa"}))
}

func TestCancelClosesChannel(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("")
	sub.Cancel()

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after cancel does not panic or deliver.
	assert.True(t, b.Publish(Event{Name: "x", DeviceID: "aa"}))
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	b := NewBroker()
	stop := make(chan struct{})
	var wg sync.WaitGroup

	// Publishers racing subscribe/cancel loops must never send on a
	// closed channel.
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					b.Publish(Event{Name: "temp/x", DeviceID: "aa"})
				}
			}
		}()
	}
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					sub := b.Subscribe("temp")
					select {
					case <-sub.C:
					default:
					}
					sub.Cancel()
				}
			}
		}()
	}

	time.Sleep(500 * time.Millisecond)
	close(stop)
	wg.Wait()

	// The broker still works afterwards.
	sub := b.Subscribe("temp")
	defer sub.Cancel()
	require.True(t, b.Publish(Event{Name: "temp/after", DeviceID: "aa"}))
	assert.Equal(t, "temp/after", recv(t, sub).Name)
}

func TestSlowConsumerDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe("")
	defer sub.Cancel()

	for i := 0; i < DefaultBufferSize+10; i++ {
		require.True(t, b.Publish(Event{Name: "e", DeviceID: "aa"}))
	}

	count := 0
	for {
		select {
		case <-sub.C:
			count++
			continue
		default:
		}
		break
	}
	assert.Equal(t, DefaultBufferSize, count)
}
