package safe

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"tipbot.com/pkg/logger"
)

// Go 安全启动协程
func Go(fn func()) {
	go func() {
		defer recoverPanic(context.Background())
		fn()
	}()
}

// GoCtx 安全启动携带 context 的协程，日志里保留链路信息
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverPanic(ctx)
		fn(ctx)
	}()
}

// Run 同步执行 fn，panic 转成 error 返回
func Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logPanic(ctx, r)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// Supervise 守护一个长期任务：返回错误或 panic 之后等 restartDelay 再拉起，
// 直到 ctx 结束。fn 正常返回 nil 视为主动退出
func Supervise(ctx context.Context, name string, restartDelay time.Duration, fn func(ctx context.Context) error) {
	if restartDelay <= 0 {
		restartDelay = time.Second
	}
	for {
		err := Run(ctx, fn)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			logger.Info(ctx, "task exited", zap.String("task", name))
			return
		}
		logger.Error(ctx, "🔁 task crashed, restarting",
			zap.String("task", name),
			zap.Duration("delay", restartDelay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

func recoverPanic(ctx context.Context) {
	if r := recover(); r != nil {
		logPanic(ctx, r)
	}
}

func logPanic(ctx context.Context, r any) {
	stack := string(debug.Stack())
	if logger.Log != nil {
		logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
			zap.Any("panic", r),
			zap.String("stack", stack),
		)
		return
	}
	fmt.Printf("🚨 GOROUTINE PANIC: %v\nStack: %s\n", r, stack)
}
