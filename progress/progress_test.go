package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newBroadcaster() *Broadcaster {
	return NewBroadcaster(zap.NewNop().Sugar())
}

func TestPublishSequencesPerJob(t *testing.T) {
	b := newBroadcaster()

	e1 := b.Publish("job-1", "extracting", "running", 25, "", false)
	e2 := b.Publish("job-1", "normalizing", "running", 50, "", false)
	e3 := b.Publish("job-2", "extracting", "running", 10, "", false)

	assert.Equal(t, uint64(1), e1.Seq)
	assert.Equal(t, uint64(2), e2.Seq)
	assert.Equal(t, uint64(1), e3.Seq, "sequences are per job")
}

func TestSubscriberReceivesInOrder(t *testing.T) {
	b := newBroadcaster()
	ch := b.Subscribe("job-1")
	defer b.Unsubscribe("job-1", ch)

	b.Publish("job-1", "extracting", "running", 25, "", false)
	b.Publish("job-1", "normalizing", "running", 50, "", false)
	b.Publish("job-1", "committing", "running", 75, "", false)

	var seqs []uint64
	for i := 0; i < 3; i++ {
		ev := <-ch
		seqs = append(seqs, ev.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3}, seqs)
}

func TestLateSubscriberStartsFromLastEvent(t *testing.T) {
	b := newBroadcaster()
	b.Publish("job-1", "extracting", "running", 25, "", false)
	b.Publish("job-1", "normalizing", "running", 50, "", false)

	ch := b.Subscribe("job-1")
	defer b.Unsubscribe("job-1", ch)

	ev := <-ch
	assert.Equal(t, uint64(2), ev.Seq)
	assert.Equal(t, "normalizing", ev.Stage)
}

func TestSingleTerminalEvent(t *testing.T) {
	b := newBroadcaster()

	ev := b.Publish("job-1", "committing", "succeeded", 100, "", true)
	require.NotNil(t, ev)
	assert.True(t, ev.Terminal)

	// anything after the terminal event is suppressed
	assert.Nil(t, b.Publish("job-1", "committing", "succeeded", 100, "", true))
	assert.Nil(t, b.Publish("job-1", "extracting", "running", 10, "", false))

	last, ok := b.Last("job-1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), last.Seq)
	assert.True(t, last.Terminal)
}

func TestLastForPolling(t *testing.T) {
	b := newBroadcaster()

	_, ok := b.Last("job-1")
	assert.False(t, ok)

	b.Publish("job-1", "extracting", "running", 30, "half way through pages", false)
	last, ok := b.Last("job-1")
	require.True(t, ok)
	assert.Equal(t, "extracting", last.Stage)
	assert.Equal(t, 30.0, last.Percent)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := newBroadcaster()
	ch := b.Subscribe("job-1")

	for i := 0; i < SubscriberBuffer+5; i++ {
		b.Publish("job-1", "extracting", "running", float64(i), "", false)
	}

	// channel was closed when the buffer overflowed
	count := 0
	for range ch {
		count++
	}
	assert.Equal(t, SubscriberBuffer, count)

	// publishing continues unaffected
	last, ok := b.Last("job-1")
	require.True(t, ok)
	assert.Equal(t, uint64(SubscriberBuffer+5), last.Seq)
}

func TestConcurrentPublishAndUnsubscribe(t *testing.T) {
	// Publishers fan out while subscribers churn through subscribe, drain,
	// and unsubscribe on the same job. A send racing a channel close would
	// panic a publisher goroutine.
	b := newBroadcaster()
	const publishers = 8
	done := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					b.Publish("job-1", "extracting", "running", 10, "", false)
				}
			}
		}()
	}
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				ch := b.Subscribe("job-1")
				for j := 0; j < 4; j++ {
					select {
					case <-ch:
					default:
					}
				}
				b.Unsubscribe("job-1", ch)
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	close(done)
	wg.Wait()

	last, ok := b.Last("job-1")
	require.True(t, ok)
	assert.Greater(t, last.Seq, uint64(0))
}

func TestForgetDropsState(t *testing.T) {
	b := newBroadcaster()
	b.Publish("job-1", "extracting", "running", 10, "", false)
	ch := b.Subscribe("job-1")

	b.Forget("job-1")

	_, ok := b.Last("job-1")
	assert.False(t, ok)
	// drain the retained event delivered at subscribe time, then observe close
	for range ch {
	}
}
