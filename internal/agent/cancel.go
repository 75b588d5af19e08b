package agent

import "sync"

// CancelToken is a single-shot cancellation flag shared between the caller
// and one in-flight turn. It is checked at every suspension point: before
// each iteration, while consuming the provider stream, and before and after
// each sequential tool.
//
// All methods are safe on a nil token, which never cancels.
type CancelToken struct {
	once sync.Once
	ch   chan struct{}
}

// NewCancelToken returns an unfired token.
func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel fires the token. Subsequent calls are no-ops.
func (t *CancelToken) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() { close(t.ch) })
}

// Cancelled reports whether the token has fired.
func (t *CancelToken) Cancelled() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token fires. A nil token returns
// a nil channel, which blocks forever in a select.
func (t *CancelToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ch
}
