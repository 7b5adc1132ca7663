package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// Ownership 节点对地址的归属判断
type Ownership struct {
	IsMine      bool
	IsWatchOnly bool
}

// Spendable 只有节点持有私钥的地址才能收款
func (o Ownership) Spendable() bool { return o.IsMine && !o.IsWatchOnly }

type BlockOutput struct {
	N       uint32
	Address string // 解析不出地址时为空，上层跳过
	Amount  decimal.Decimal
}

type BlockTx struct {
	Txid    string
	Outputs []BlockOutput
}

type Block struct {
	Hash          string
	Height        int64
	PrevHash      string
	Confirmations int64
	Txs           []BlockTx
}

type Unspent struct {
	Txid          string
	Vout          uint32
	Address       string
	Amount        decimal.Decimal
	Confirmations int64
}

type TxInput struct {
	Txid string
	Vout uint32
}

type TxOutput struct {
	Address string
	Amount  decimal.Decimal
}

type SignResult struct {
	Hex      string
	Complete bool
}

type TxInfo struct {
	Txid          string
	Confirmations int64
	BlockHash     string
	BlockHeight   int64
}

// OnchainBalance 链上视角的余额，对账用
type OnchainBalance struct {
	Confirmed decimal.Decimal
	Pending   decimal.Decimal
}

// ChainClient 单个币种节点的能力抽象
// 传输失败返回 xerr.TransportError，节点业务拒绝返回对应的业务码
type ChainClient interface {
	Coin() string
	GetHeight(ctx context.Context) (int64, error)
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlock(ctx context.Context, hash string, withTxDetail bool) (*Block, error)
	GetNewAddress(ctx context.Context, label string) (string, error)
	GetAddressOwnership(ctx context.Context, address string) (Ownership, error)
	RegisterForWatching(ctx context.Context, address, label string) error
	GetReceivedByAddress(ctx context.Context, address string, minConf int) (decimal.Decimal, error)
	ListUnspent(ctx context.Context, minConf, maxConf int, addresses []string) ([]Unspent, error)
	EstimateFee(ctx context.Context, target int) (decimal.Decimal, error)
	BuildRawTransaction(ctx context.Context, inputs []TxInput, outputs []TxOutput) (string, error)
	SignTransaction(ctx context.Context, raw string) (SignResult, error)
	BroadcastTransaction(ctx context.Context, signed string) (string, error)
	GetTransaction(ctx context.Context, txid string) (*TxInfo, error)
	// ValidateAddress 本地按网络参数解码，不走 RPC
	ValidateAddress(address string) error
}

// CoinSettings 每个币种的业务参数
type CoinSettings struct {
	Symbol        string
	Confirmations int   // 入账确认数
	StartHeight   int64 // 没有水位时从这里开始扫
	FeeTarget     int   // 估算手续费的目标块数
	MinFee        decimal.Decimal
	ChangeDust    decimal.Decimal // 低于这个的找零直接给矿工
	MinAmount     decimal.Decimal
	MaxAmount     decimal.Decimal
}

// ChainRegistry 按币种取节点客户端
type ChainRegistry interface {
	Get(coin string) (ChainClient, CoinSettings, error)
	Coins() []string
}
