package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"tipbot.com/internal/tipbot/campaign"
	"tipbot.com/internal/tipbot/chain"
	"tipbot.com/internal/tipbot/chain/btc"
	tipConfig "tipbot.com/internal/tipbot/config"
	"tipbot.com/internal/tipbot/locker"
	"tipbot.com/internal/tipbot/notify"
	"tipbot.com/internal/tipbot/repo"
	"tipbot.com/internal/tipbot/scanner"
	"tipbot.com/internal/tipbot/server"
	"tipbot.com/internal/tipbot/service"
	vipConfig "tipbot.com/pkg/config"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/metrics"
	"tipbot.com/pkg/orm"
	"tipbot.com/pkg/trace"
	"tipbot.com/pkg/xerr"
	"tipbot.com/pkg/xredis"
)

const serviceName = "tipbot-service"

type App struct {
	cfg *tipConfig.Config

	db       *gorm.DB
	rdb      *redis.Client
	repo     *repo.Repo
	chains   *chain.Registry
	adapters []*btc.Adapter
	nats     *notify.NATS
	tracer   func(context.Context) error

	services  server.Services
	scheduler *campaign.Scheduler
}

// New 加载 .env 和配置文件，configPath 为空时按约定找 config/tipbot-service.yaml
func New(configPath string) (*App, error) {
	if err := vipConfig.LoadEnv(); err != nil {
		return nil, xerr.Wrap(err, xerr.ConfigError, "load .env")
	}
	cfg := &tipConfig.Config{}
	_, err := vipConfig.LoadAndWatch(serviceName, configPath, cfg, func() {
		// 只有日志级别之类的可以热更新，连接和币种要重启
		if err := cfg.Validate(); err != nil {
			logger.Error(context.Background(), "reloaded config invalid", zap.Error(err))
		}
	})
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ConfigError, "load config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, xerr.Wrap(err, xerr.ConfigError, "invalid config")
	}
	return &App{cfg: cfg}, nil
}

// OpenDB migrate 命令只需要数据库
func (app *App) OpenDB() error {
	logger.InitWithConfig(app.cfg.Name, app.cfg.Log)
	db, err := orm.Open(&app.cfg.Database)
	if err != nil {
		return xerr.Wrap(err, xerr.DbError, "open database")
	}
	app.db = db
	app.repo = repo.New(db)
	return nil
}

func (app *App) Migrate(ctx context.Context) error {
	if err := app.repo.Migrate(ctx); err != nil {
		return err
	}
	logger.Info(ctx, "✅ database migrated", zap.String("driver", app.cfg.Database.Driver))
	return nil
}

// StartService 建好所有依赖，返回清理函数
func (app *App) StartService(ctx context.Context) (func(), error) {
	if app.db == nil {
		if err := app.OpenDB(); err != nil {
			return nil, err
		}
	}
	metrics.MustRegister()
	shutdown, err := trace.Init(ctx, app.cfg.Name, app.cfg.Trace)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ConfigError, "init tracer")
	}
	app.tracer = shutdown

	if app.cfg.Redis.Enabled() {
		rdb, err := xredis.NewRedis(&app.cfg.Redis)
		if err != nil {
			return nil, xerr.Wrap(err, xerr.ConfigError, "connect redis")
		}
		app.rdb = rdb
	}
	if err := app.startChains(ctx); err != nil {
		app.cleanUp()
		return nil, err
	}
	notifier, err := app.startNotifier(ctx)
	if err != nil {
		app.cleanUp()
		return nil, err
	}
	if err := app.buildServices(notifier); err != nil {
		app.cleanUp()
		return nil, err
	}
	return app.cleanUp, nil
}

func (app *App) startChains(ctx context.Context) error {
	s := app.cfg.Sync
	app.chains = chain.NewRegistry(chain.BreakerConfig{Failures: s.BreakerFailures, Cooldown: s.BreakerCooldown})
	for _, c := range app.cfg.Coins {
		if !c.Enabled {
			continue
		}
		settings, err := c.Settings(app.cfg.Ledger)
		if err != nil {
			return xerr.Wrap(err, xerr.ConfigError, "coin settings")
		}
		adapter, err := btc.New(btc.Config{
			Network: btc.NetworkConfig{
				Symbol:           c.Symbol,
				Network:          c.Network,
				PubKeyHashAddrID: c.PubKeyHashAddrID,
				ScriptHashAddrID: c.ScriptHashAddrID,
				Bech32HRP:        c.Bech32HRP,
			},
			Host:      c.Host,
			User:      c.User,
			Pass:      c.Pass,
			Ownership: c.Ownership,
		})
		if err != nil {
			return err
		}
		app.adapters = append(app.adapters, adapter)
		app.chains.Register(adapter, settings, chain.GuardConfig{CallTimeout: s.CallTimeout, RetryAttempts: s.RetryAttempts})
		logger.Info(ctx, "🔗 coin enabled",
			zap.String("coin", c.Symbol), zap.String("network", c.Network), zap.Int("confirmations", c.Confirmations))
	}
	if len(app.chains.Coins()) == 0 {
		logger.Warn(ctx, "no coin enabled, only internal transfers will work")
	}
	return nil
}

// startNotifier 日志一定有，telegram 和 nats 按配置加
func (app *App) startNotifier(ctx context.Context) (*notify.Multi, error) {
	sinks := []notify.Sink{notify.Log{}}
	if token := app.cfg.Telegram.Token; token != "" {
		bot, err := notify.NewTelegramBot(token)
		if err != nil {
			return nil, xerr.Wrap(err, xerr.ConfigError, "telegram bot")
		}
		sinks = append(sinks, notify.NewTelegram(bot, app.repo).WithGroup(app.cfg.Telegram.GroupID))
	}
	if url := app.cfg.NATS.URL; url != "" {
		n, err := notify.DialNATS(url, app.cfg.NATS.Subject)
		if err != nil {
			return nil, err
		}
		app.nats = n
		sinks = append(sinks, n)
	}
	logger.Info(ctx, "notifier ready", zap.Int("sinks", len(sinks)))
	return notify.NewMulti(sinks...), nil
}

func (app *App) buildServices(notifier *notify.Multi) error {
	cfg := app.cfg
	var backend locker.Backend
	if app.rdb != nil {
		backend = xredis.NewLocker(app.rdb, "tipbot:lock:", cfg.Ledger.LockTTL)
	}
	keys := locker.New(backend)
	ledger := service.NewLedger(app.repo, keys, service.Limits{
		MinAmount: cfg.Ledger.MinAmountDec,
		MaxAmount: cfg.Ledger.MaxAmountDec,
	})

	campaigns := campaign.New(app.repo, ledger, notifier, campaign.Config{
		Schedule:    cfg.Campaign.Schedule,
		MinDuration: cfg.Campaign.MinDuration,
		MaxDuration: cfg.Campaign.MaxDuration,
		Dust:        cfg.Campaign.DustDec,
	})
	scheduler, err := campaign.NewScheduler(campaigns)
	if err != nil {
		return err
	}
	monitor := scanner.New(app.repo, ledger, app.chains, notifier, scanner.Config{
		Interval:          cfg.Sync.Interval,
		ReconcileInterval: cfg.Sync.ReconcileInterval,
		BatchSize:         cfg.Sync.BatchSize,
		TickTimeout:       cfg.Sync.TickTimeout,
	})
	if app.rdb != nil {
		master := xredis.NewRedisLockMaster(app.rdb)
		monitor.WithLeader(master)
		scheduler.WithLeader(master)
	}

	app.scheduler = scheduler
	app.services = server.Services{
		Users:     service.NewUserService(app.repo),
		Ledger:    ledger,
		Directory: service.NewDirectory(app.repo, app.chains, keys),
		Transfer: service.NewTransferService(ledger, app.repo, notifier, service.TransferConfig{
			Dust:       cfg.Rain.DustDec,
			RainWindow: cfg.Rain.Window,
		}),
		Withdraw:  service.NewWithdrawService(app.repo, ledger, app.chains, keys, notifier),
		Campaigns: campaigns,
		Monitor:   monitor,
		Stats:     service.NewStatsService(app.repo),
	}
	return nil
}

func (app *App) StartHttp(ctx context.Context) *http.Server {
	h := app.cfg.HTTP
	router := server.NewRouter(ctx, server.Options{
		Service:    app.cfg.Name,
		AdminToken: h.AdminToken,
		APIToken:   h.APIToken,
		RateLimit:  h.RateLimit,
		Burst:      h.Burst,
		Cooldown:   app.cfg.Rain.Cooldown,
	}, app.services)
	return server.NewServer(h.Addr, router)
}

// Run http、扫块、红包结算一起跑，ctx 取消后优雅退出
func (app *App) Run(ctx context.Context) error {
	srv := app.StartHttp(ctx)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info(ctx, "🚀 http listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return xerr.Wrap(err, xerr.ServerCommonError, "http listen")
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return app.services.Monitor.Run(ctx) })
	g.Go(func() error { return app.scheduler.Run(ctx) })
	g.Go(func() error {
		sqlDB, err := app.db.DB()
		if err != nil {
			return nil
		}
		metrics.ReportPools(ctx, sqlDB, app.rdb, 15*time.Second)
		return nil
	})
	return g.Wait()
}

func (app *App) cleanUp() {
	if app.tracer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = app.tracer(ctx)
		cancel()
	}
	for _, a := range app.adapters {
		a.Close()
	}
	if app.nats != nil {
		app.nats.Close()
	}
	if app.rdb != nil {
		_ = app.rdb.Close()
	}
	if app.db != nil {
		if sqlDB, err := app.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	logger.Sync()
}
