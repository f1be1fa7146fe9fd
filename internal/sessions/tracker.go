// Package sessions groups scans arriving from one device within a
// bounded time window into a single return session. Sessions are held
// in memory only: the window is short and devices re-send on retry, so
// a restart costs at most one open window.
package sessions

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session accumulates the tags one device scanned before the window
// closed. Owned exclusively by the Tracker until finalize hands it off.
type Session struct {
	ID       uuid.UUID
	DeviceID string
	// Token is the device session token presented by the user's app,
	// when one was attached to any scan in the session.
	Token    string
	OpenedAt time.Time
	ClosedAt time.Time
	Tags     []string

	tagSet map[string]struct{}
	timer  *time.Timer
	done   bool
}

// FinalizeFunc receives a timed-out session exactly once. It runs
// outside the tracker lock. Explicitly closed sessions are returned to
// the caller instead, so it can keep them ordered with later device
// events.
type FinalizeFunc func(sess *Session)

// Tracker keys open sessions by device id. Devices never block each
// other; all per-device ordering comes from the caller (the engine's
// per-device workers).
type Tracker struct {
	window   time.Duration
	finalize FinalizeFunc
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTracker creates a tracker finalizing idle sessions after window.
func NewTracker(window time.Duration, finalize FinalizeFunc, logger *zap.Logger) *Tracker {
	return &Tracker{
		window:   window,
		finalize: finalize,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// OnScan appends a tag to the device's open session, opening one if
// none exists, and returns the session's accumulated tag set. A tag
// scanned twice in one session is recorded once. The inactivity timer
// restarts on every scan.
func (t *Tracker) OnScan(deviceID, tag, token string, at time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[deviceID]
	if !ok {
		sess = &Session{
			ID:       uuid.New(),
			DeviceID: deviceID,
			OpenedAt: at,
			tagSet:   make(map[string]struct{}),
		}
		sess.timer = time.AfterFunc(t.window, func() { t.expire(deviceID, sess.ID) })
		t.sessions[deviceID] = sess
		t.logger.Info("session opened",
			zap.String("device_id", deviceID),
			zap.String("session_id", sess.ID.String()),
		)
	} else {
		sess.timer.Reset(t.window)
	}

	if token != "" {
		sess.Token = token
	}
	if _, dup := sess.tagSet[tag]; !dup {
		sess.tagSet[tag] = struct{}{}
		sess.Tags = append(sess.Tags, tag)
	}

	tags := make([]string, len(sess.Tags))
	copy(tags, sess.Tags)
	return tags
}

// Close detaches and returns the device's open session in response to
// an explicit done signal, or nil when none is open. A token on the
// signal attributes the session to its user. The caller reconciles the
// returned session itself.
func (t *Tracker) Close(deviceID, token string, at time.Time) *Session {
	sess := t.remove(deviceID, uuid.Nil)
	if sess == nil {
		return nil
	}
	sess.ClosedAt = at
	if token != "" {
		sess.Token = token
	}
	t.logger.Info("session closed",
		zap.String("device_id", deviceID),
		zap.String("session_id", sess.ID.String()),
		zap.Int("tags", len(sess.Tags)),
	)
	return sess
}

// Cancel discards the device's open session without finalizing.
func (t *Tracker) Cancel(deviceID string) {
	if sess := t.remove(deviceID, uuid.Nil); sess != nil {
		t.logger.Info("session cancelled",
			zap.String("device_id", deviceID),
			zap.String("session_id", sess.ID.String()),
			zap.Int("tags", len(sess.Tags)),
		)
	}
}

// OpenCount reports how many sessions are currently open.
func (t *Tracker) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Stop discards all open sessions without finalizing.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for deviceID, sess := range t.sessions {
		sess.timer.Stop()
		sess.done = true
		delete(t.sessions, deviceID)
	}
}

// expire fires on inactivity timeout. The session id guard keeps a
// stale timer from touching a newer session for the same device.
func (t *Tracker) expire(deviceID string, sessionID uuid.UUID) {
	if sess := t.remove(deviceID, sessionID); sess != nil {
		sess.ClosedAt = t.now()
		t.logger.Info("session timed out",
			zap.String("device_id", deviceID),
			zap.String("session_id", sess.ID.String()),
			zap.Int("tags", len(sess.Tags)),
		)
		t.finalize(sess)
	}
}

// remove detaches the device's open session under the lock, enforcing
// exactly-once finalization. A zero sessionID matches any session.
func (t *Tracker) remove(deviceID string, sessionID uuid.UUID) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess, ok := t.sessions[deviceID]
	if !ok || sess.done {
		return nil
	}
	if sessionID != uuid.Nil && sess.ID != sessionID {
		return nil
	}
	sess.timer.Stop()
	sess.done = true
	delete(t.sessions, deviceID)
	return sess
}
