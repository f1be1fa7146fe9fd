package sessions

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// collector records finalized sessions for assertions.
type collector struct {
	mu       sync.Mutex
	sessions []*Session
	ch       chan *Session
}

func newCollector() *collector {
	return &collector{ch: make(chan *Session, 16)}
}

func (c *collector) finalize(sess *Session) {
	c.mu.Lock()
	c.sessions = append(c.sessions, sess)
	c.mu.Unlock()
	c.ch <- sess
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *collector) wait(t *testing.T) *Session {
	t.Helper()
	select {
	case sess := <-c.ch:
		return sess
	case <-time.After(2 * time.Second):
		t.Fatal("no session finalized in time")
		return nil
	}
}

func TestExplicitCloseDetachesOnce(t *testing.T) {
	c := newCollector()
	tr := NewTracker(time.Hour, c.finalize, zap.NewNop())
	defer tr.Stop()

	now := time.Now()
	tr.OnScan("ReturnBox01", "EPC1", "", now)
	tr.OnScan("ReturnBox01", "EPC2", "", now)

	sess := tr.Close("ReturnBox01", "", now)
	require.NotNil(t, sess)
	assert.Equal(t, []string{"EPC1", "EPC2"}, sess.Tags)
	assert.Equal(t, now, sess.ClosedAt)
	assert.Equal(t, 0, tr.OpenCount())

	// A second close for the same device finds nothing, and the
	// timeout callback never fires for an explicitly closed session.
	assert.Nil(t, tr.Close("ReturnBox01", "", now))
	assert.Equal(t, 0, c.count())
}

func TestInactivityTimeoutFinalizes(t *testing.T) {
	c := newCollector()
	tr := NewTracker(30*time.Millisecond, c.finalize, zap.NewNop())
	defer tr.Stop()

	tr.OnScan("ReturnBox01", "EPC1", "", time.Now())

	sess := c.wait(t)
	assert.Equal(t, []string{"EPC1"}, sess.Tags)
	assert.False(t, sess.ClosedAt.IsZero())
	assert.Equal(t, 0, tr.OpenCount())
}

func TestScanResetsInactivityTimer(t *testing.T) {
	c := newCollector()
	tr := NewTracker(200*time.Millisecond, c.finalize, zap.NewNop())
	defer tr.Stop()

	tr.OnScan("ReturnBox01", "EPC1", "", time.Now())
	time.Sleep(120 * time.Millisecond)
	tr.OnScan("ReturnBox01", "EPC2", "", time.Now())
	time.Sleep(120 * time.Millisecond)

	// The second scan pushed the deadline out; the session is still open.
	require.Equal(t, 0, c.count())
	require.Equal(t, 1, tr.OpenCount())

	sess := c.wait(t)
	assert.Equal(t, []string{"EPC1", "EPC2"}, sess.Tags)
}

func TestDuplicateTagRecordedOnce(t *testing.T) {
	c := newCollector()
	tr := NewTracker(time.Hour, c.finalize, zap.NewNop())
	defer tr.Stop()

	now := time.Now()
	tags := tr.OnScan("ReturnBox01", "EPC1", "", now)
	assert.Equal(t, []string{"EPC1"}, tags)
	tags = tr.OnScan("ReturnBox01", "EPC1", "", now)
	assert.Equal(t, []string{"EPC1"}, tags)
	tags = tr.OnScan("ReturnBox01", "EPC2", "", now)
	assert.Equal(t, []string{"EPC1", "EPC2"}, tags)
}

func TestCancelDiscardsWithoutFinalizing(t *testing.T) {
	c := newCollector()
	tr := NewTracker(40*time.Millisecond, c.finalize, zap.NewNop())
	defer tr.Stop()

	tr.OnScan("ReturnBox01", "EPC1", "", time.Now())
	tr.Cancel("ReturnBox01")

	assert.Equal(t, 0, tr.OpenCount())
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 0, c.count())
}

func TestDevicesTrackedIndependently(t *testing.T) {
	c := newCollector()
	tr := NewTracker(time.Hour, c.finalize, zap.NewNop())
	defer tr.Stop()

	now := time.Now()
	tr.OnScan("ReturnBox01", "EPC1", "", now)
	tr.OnScan("ReturnBox02", "EPC2", "", now)
	require.Equal(t, 2, tr.OpenCount())

	sess := tr.Close("ReturnBox01", "", now)
	require.NotNil(t, sess)
	assert.Equal(t, "ReturnBox01", sess.DeviceID)
	assert.Equal(t, 1, tr.OpenCount())
}

func TestCloseAfterCloseOpensFreshSession(t *testing.T) {
	c := newCollector()
	tr := NewTracker(time.Hour, c.finalize, zap.NewNop())
	defer tr.Stop()

	now := time.Now()
	tr.OnScan("ReturnBox01", "EPC1", "", now)
	first := tr.Close("ReturnBox01", "", now)
	require.NotNil(t, first)

	tr.OnScan("ReturnBox01", "EPC1", "", now)
	second := tr.Close("ReturnBox01", "", now)
	require.NotNil(t, second)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestTokenAttachedFromScanAndClose(t *testing.T) {
	c := newCollector()
	tr := NewTracker(time.Hour, c.finalize, zap.NewNop())
	defer tr.Stop()

	now := time.Now()
	tr.OnScan("ReturnBox01", "EPC1", "tok-scan", now)
	sess := tr.Close("ReturnBox01", "", now)
	require.NotNil(t, sess)
	assert.Equal(t, "tok-scan", sess.Token)

	tr.OnScan("ReturnBox01", "EPC2", "", now)
	sess = tr.Close("ReturnBox01", "tok-done", now)
	require.NotNil(t, sess)
	assert.Equal(t, "tok-done", sess.Token)
}
