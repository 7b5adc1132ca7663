package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/orm"
	"tipbot.com/pkg/trace"
	"tipbot.com/pkg/xredis"
)

// Config 对应 config/tipbot-service.yaml
type Config struct {
	Name     string        `mapstructure:"name"`
	Log      logger.Config `mapstructure:"log"`
	Database orm.Config    `mapstructure:"database"`
	Redis    xredis.Config `mapstructure:"redis"`
	HTTP     HTTPConfig    `mapstructure:"http"`
	Trace    trace.Config  `mapstructure:"trace"`
	Telegram struct {
		Token   string `mapstructure:"token"`
		GroupID int64  `mapstructure:"group_id"` // 红包结果发到哪个群，0 表示只私聊
	} `mapstructure:"telegram"`
	NATS struct {
		URL     string `mapstructure:"url"`
		Subject string `mapstructure:"subject"`
	} `mapstructure:"nats"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Rain     RainConfig     `mapstructure:"rain"`
	Campaign CampaignConfig `mapstructure:"campaign"`
	Coins    []CoinConfig   `mapstructure:"coins"`
}

type HTTPConfig struct {
	Addr       string  `mapstructure:"addr"`
	AdminToken string  `mapstructure:"admin_token"`
	APIToken   string  `mapstructure:"api_token"`
	RateLimit  float64 `mapstructure:"rate_limit"` // 每个 ip 每秒
	Burst      int     `mapstructure:"burst"`
}

type LedgerConfig struct {
	MinAmount string        `mapstructure:"min_amount"`
	MaxAmount string        `mapstructure:"max_amount"`
	LockTTL   time.Duration `mapstructure:"lock_ttl"` // redis 锁过期时间

	MinAmountDec decimal.Decimal `mapstructure:"-"`
	MaxAmountDec decimal.Decimal `mapstructure:"-"`
}

type SyncConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	BatchSize         int64         `mapstructure:"batch_size"`
	TickTimeout       time.Duration `mapstructure:"tick_timeout"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	RetryAttempts     uint          `mapstructure:"retry_attempts"`
	BreakerFailures   uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown   time.Duration `mapstructure:"breaker_cooldown"`
}

type RainConfig struct {
	Window   time.Duration `mapstructure:"window"`
	Cooldown time.Duration `mapstructure:"cooldown"`
	Dust     string        `mapstructure:"dust"`

	DustDec decimal.Decimal `mapstructure:"-"`
}

type CampaignConfig struct {
	Schedule    string        `mapstructure:"schedule"` // cron 表达式
	MinDuration time.Duration `mapstructure:"min_duration"`
	MaxDuration time.Duration `mapstructure:"max_duration"`
	Dust        string        `mapstructure:"dust"`

	DustDec decimal.Decimal `mapstructure:"-"`
}

type CoinConfig struct {
	Symbol  string `mapstructure:"symbol"`
	Enabled bool   `mapstructure:"enabled"`

	// 节点 RPC，支持 ${ENV} 写法
	Host string `mapstructure:"host"`
	User string `mapstructure:"user"`
	Pass string `mapstructure:"pass"`

	// mainnet | testnet | regtest | signet | custom
	Network          string `mapstructure:"network"`
	PubKeyHashAddrID uint8  `mapstructure:"pubkey_hash_addr_id"`
	ScriptHashAddrID uint8  `mapstructure:"script_hash_addr_id"`
	Bech32HRP        string `mapstructure:"bech32_hrp"`

	// addressinfo(新节点) | validateaddress(老节点)
	Ownership string `mapstructure:"ownership"`

	Confirmations int    `mapstructure:"confirmations"`
	StartHeight   int64  `mapstructure:"start_height"`
	FeeTarget     int    `mapstructure:"fee_target"`
	MinFee        string `mapstructure:"min_fee"`
	ChangeDust    string `mapstructure:"change_dust"`
}

// Validate 补默认值，解析金额字段
func (c *Config) Validate() error {
	if c.Name == "" {
		c.Name = "tipbot-service"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	c.HTTP.AdminToken = os.ExpandEnv(c.HTTP.AdminToken)
	c.HTTP.APIToken = os.ExpandEnv(c.HTTP.APIToken)
	c.Telegram.Token = os.ExpandEnv(c.Telegram.Token)
	if c.HTTP.RateLimit <= 0 {
		c.HTTP.RateLimit = 50
	}
	if c.HTTP.Burst <= 0 {
		c.HTTP.Burst = 100
	}

	var err error
	if c.Ledger.MinAmountDec, err = decOr(c.Ledger.MinAmount, "0.00000001"); err != nil {
		return fmt.Errorf("ledger.min_amount: %w", err)
	}
	if c.Ledger.MaxAmountDec, err = decOr(c.Ledger.MaxAmount, "1000000"); err != nil {
		return fmt.Errorf("ledger.max_amount: %w", err)
	}
	if c.Ledger.LockTTL <= 0 {
		c.Ledger.LockTTL = 2 * time.Minute
	}

	s := &c.Sync
	if s.Interval <= 0 {
		s.Interval = 30 * time.Second
	}
	if s.ReconcileInterval <= 0 {
		s.ReconcileInterval = 5 * time.Minute
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 10
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = 30 * time.Second
	}
	if s.TickTimeout <= 0 {
		s.TickTimeout = 5 * time.Minute
	}
	if s.RetryAttempts == 0 {
		s.RetryAttempts = 3
	}
	if s.BreakerFailures == 0 {
		s.BreakerFailures = 5
	}
	if s.BreakerCooldown <= 0 {
		s.BreakerCooldown = 30 * time.Second
	}

	if c.Rain.Window <= 0 {
		c.Rain.Window = 10 * time.Minute
	}
	if c.Rain.Cooldown <= 0 {
		c.Rain.Cooldown = 30 * time.Second
	}
	if c.Rain.DustDec, err = decOr(c.Rain.Dust, "0.00000001"); err != nil {
		return fmt.Errorf("rain.dust: %w", err)
	}

	if c.Campaign.Schedule == "" {
		c.Campaign.Schedule = "@every 60s"
	}
	if c.Campaign.MinDuration <= 0 {
		c.Campaign.MinDuration = time.Minute
	}
	if c.Campaign.MaxDuration <= 0 {
		c.Campaign.MaxDuration = 60 * time.Minute
	}
	if c.Campaign.DustDec, err = decOr(c.Campaign.Dust, "0.00000001"); err != nil {
		return fmt.Errorf("campaign.dust: %w", err)
	}

	seen := make(map[string]bool)
	for i := range c.Coins {
		coin := &c.Coins[i]
		coin.Symbol = strings.ToUpper(strings.TrimSpace(coin.Symbol))
		if coin.Symbol == "" {
			return fmt.Errorf("coins[%d]: symbol is required", i)
		}
		if seen[coin.Symbol] {
			return fmt.Errorf("coins[%d]: duplicate symbol %s", i, coin.Symbol)
		}
		seen[coin.Symbol] = true

		coin.Host = os.ExpandEnv(coin.Host)
		coin.User = os.ExpandEnv(coin.User)
		coin.Pass = os.ExpandEnv(coin.Pass)
		if coin.Ownership == "" {
			coin.Ownership = "addressinfo"
		}
		if coin.Network == "" {
			coin.Network = "mainnet"
		}
		if coin.Confirmations <= 0 {
			coin.Confirmations = 6
		}
		if coin.FeeTarget <= 0 {
			coin.FeeTarget = 6
		}
		if coin.Enabled && coin.Host == "" {
			return fmt.Errorf("coins[%s]: host is required", coin.Symbol)
		}
	}
	return nil
}

// Settings 转成业务参数
func (c CoinConfig) Settings(l LedgerConfig) (domain.CoinSettings, error) {
	minFee, err := decOr(c.MinFee, "0.001")
	if err != nil {
		return domain.CoinSettings{}, fmt.Errorf("%s min_fee: %w", c.Symbol, err)
	}
	dust, err := decOr(c.ChangeDust, "0.00001")
	if err != nil {
		return domain.CoinSettings{}, fmt.Errorf("%s change_dust: %w", c.Symbol, err)
	}
	return domain.CoinSettings{
		Symbol:        c.Symbol,
		Confirmations: c.Confirmations,
		StartHeight:   c.StartHeight,
		FeeTarget:     c.FeeTarget,
		MinFee:        minFee,
		ChangeDust:    dust,
		MinAmount:     l.MinAmountDec,
		MaxAmount:     l.MaxAmountDec,
	}, nil
}

func decOr(s, def string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		s = def
	}
	return decimal.NewFromString(s)
}
