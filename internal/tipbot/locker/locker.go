// Package locker 按 (user, coin) 串行化账本写和地址分配
package locker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"tipbot.com/pkg/xredis"
)

// Backend 单个 key 的互斥，返回的 release 必须且只能调用一次
type Backend interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

type heldKey struct{}

// KeyLocker 多 key 排序后依次加锁，避免死锁
// 已经持有的 key 记在 ctx 里，同一调用链里再次加锁直接跳过
type KeyLocker struct {
	backend Backend
}

func New(backend Backend) *KeyLocker {
	if backend == nil {
		backend = NewLocal()
	}
	return &KeyLocker{backend: backend}
}

func BalanceKey(userID int64, coin string) string {
	return fmt.Sprintf("bal:%d:%s", userID, coin)
}

func AddressKey(userID int64, coin string) string {
	return fmt.Sprintf("addr:%d:%s", userID, coin)
}

// Lock 返回带有持锁信息的 ctx，后续调用都要用它
func (l *KeyLocker) Lock(ctx context.Context, keys ...string) (context.Context, func(), error) {
	held, _ := ctx.Value(heldKey{}).(map[string]struct{})

	want := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		if _, ok := held[k]; ok {
			continue
		}
		want = append(want, k)
	}
	if len(want) == 0 {
		return ctx, func() {}, nil
	}
	sort.Strings(want)

	releases := make([]func(), 0, len(want))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, k := range want {
		release, err := l.backend.Acquire(ctx, k)
		if err != nil {
			releaseAll()
			return ctx, nil, fmt.Errorf("lock %s: %w", k, err)
		}
		releases = append(releases, release)
	}

	next := make(map[string]struct{}, len(held)+len(want))
	for k := range held {
		next[k] = struct{}{}
	}
	for _, k := range want {
		next[k] = struct{}{}
	}

	var once sync.Once
	return context.WithValue(ctx, heldKey{}, next), func() { once.Do(releaseAll) }, nil
}

// Local 进程内的 key 互斥
// 每个 key 一个容量为 1 的 channel，等待时可以被 ctx 取消
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.unref(key, s)
		})
	}, nil
}

// unref 没人用的 key 删掉，防止 map 无限增长
func (l *Local) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

var (
	_ Backend = (*Local)(nil)
	_ Backend = (*xredis.Locker)(nil)
)
