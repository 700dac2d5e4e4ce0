package orm

import (
	"context"
	"sync"
)

type sessionKey struct{}

// slot holds the session installed by one Set call. Contexts derived from the
// one returned by Set share the slot, so Reset is visible to all of them.
type slot struct {
	mu   sync.RWMutex
	sess *Session
}

// Token captures the state replaced by Set. Pass it to Reset.
type Token struct {
	slot *slot
	prev *Session
}

// Set installs sess as the active session of the returned context.
func Set(ctx context.Context, sess *Session) (context.Context, Token) {
	prev, _ := Get(ctx)
	s := &slot{sess: sess}
	return context.WithValue(ctx, sessionKey{}, s), Token{slot: s, prev: prev}
}

// Get returns the active session of ctx.
func Get(ctx context.Context) (*Session, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(sessionKey{}).(*slot)
	if !ok {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess, s.sess != nil
}

// Reset restores the state captured by tok. Any context still holding the
// slot sees the previous session (usually none) afterwards.
func Reset(tok Token) {
	if tok.slot == nil {
		return
	}
	tok.slot.mu.Lock()
	tok.slot.sess = tok.prev
	tok.slot.mu.Unlock()
}

func sessionFrom(ctx context.Context) (*Session, error) {
	sess, ok := Get(ctx)
	if !ok {
		return nil, ErrSessionUnavailable
	}
	return sess, nil
}
