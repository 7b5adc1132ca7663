// Package notifytest 记录通知，测试断言用
package notifytest

import (
	"context"
	"sync"

	"tipbot.com/internal/tipbot/domain"
)

type Sent struct {
	UserID  int64
	Kind    domain.NotifyKind
	Payload domain.Payload
}

type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	Err  error
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Notify(ctx context.Context, userID int64, kind domain.NotifyKind, p domain.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, Sent{UserID: userID, Kind: kind, Payload: p})
	return r.Err
}

func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Of 某种通知的全部记录
func (r *Recorder) Of(kind domain.NotifyKind) []Sent {
	out := make([]Sent, 0)
	for _, s := range r.All() {
		if s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
