package xredis

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"tipbot.com/pkg/metrics"
)

// KEYS[1]: 锁 key  ARGV[1]: token，防止误删别人的锁
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("del", KEYS[1])
else
    return 0
end
`

// 自己持有才续期
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
    return redis.call("pexpire", KEYS[1], ARGV[2])
else
    return 0
end
`

var ErrLockBusy = errors.New("lock busy")

type DistLock struct {
	client     *redis.Client
	key        string
	token      string        // 谁加锁谁解锁
	expiration time.Duration // 自动过期，进程挂了也能释放
}

func NewDistLock(client *redis.Client, key string, expiration time.Duration) *DistLock {
	return &DistLock{
		client:     client,
		key:        key,
		token:      uuid.New().String(),
		expiration: expiration,
	}
}

// TryLock 非阻塞，一次性
func (l *DistLock) TryLock(ctx context.Context) (bool, error) {
	start := time.Now()
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.expiration).Result()
	observe("setnx", start, err)
	if err != nil {
		return false, err
	}
	return ok, nil
}

// Lock 自旋加锁，带随机抖动
func (l *DistLock) Lock(ctx context.Context, retryTimes int, retryInterval time.Duration) (bool, error) {
	for i := 0; i < retryTimes; i++ {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		sleepTime := retryInterval + time.Duration(rand.Intn(10))*time.Millisecond
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(sleepTime):
		}
	}
	return false, nil
}

// Unlock 安全释放锁
func (l *DistLock) Unlock(ctx context.Context) (bool, error) {
	start := time.Now()
	res, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.token).Int64()
	observe("unlock", start, err)
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Locker 基于 DistLock 的按 key 加锁，多实例部署时替换进程内锁
type Locker struct {
	client        *redis.Client
	prefix        string
	ttl           time.Duration
	retryTimes    int
	retryInterval time.Duration
}

func NewLocker(client *redis.Client, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &Locker{
		client:        client,
		prefix:        prefix,
		ttl:           ttl,
		retryTimes:    600,
		retryInterval: 50 * time.Millisecond,
	}
}

func (l *Locker) Acquire(ctx context.Context, key string) (func(), error) {
	lock := NewDistLock(l.client, l.prefix+key, l.ttl)
	ok, err := lock.Lock(ctx, l.retryTimes, l.retryInterval)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLockBusy, key)
	}
	return func() {
		// 业务 ctx 可能已经取消，解锁用独立的短超时
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _ = lock.Unlock(ctx)
	}, nil
}

// RedisLockMaster 多实例部署时选主，只有 master 跑后台任务
type RedisLockMaster struct {
	rdb *redis.Client
	id  string
}

func NewRedisLockMaster(rdb *redis.Client) *RedisLockMaster {
	return &RedisLockMaster{
		rdb: rdb,
		id:  fmt.Sprintf("%s-%d", uuid.New().String(), time.Now().UnixNano()),
	}
}

// TryAcquireMaster 抢到或者续期成功返回 true
func (r *RedisLockMaster) TryAcquireMaster(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := r.rdb.SetNX(ctx, key, r.id, ttl).Result()
	if err != nil {
		return false
	}
	if ok {
		return true
	}
	renewed, err := r.rdb.Eval(ctx, renewScript, []string{key}, r.id, ttl.Milliseconds()).Int64()
	return err == nil && renewed == 1
}

func observe(cmd string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		metrics.RedisErrors.WithLabelValues(cmd, "error").Inc()
	}
	metrics.RedisCmdDuration.WithLabelValues(cmd, status).Observe(time.Since(start).Seconds())
}
