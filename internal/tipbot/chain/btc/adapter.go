package btc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/xerr"
)

// Config 单个币种节点
type Config struct {
	Network   NetworkConfig
	Host      string
	User      string
	Pass      string
	Ownership string // addressinfo | validateaddress
}

// Adapter 比特币系节点（BTC/LTC/DOGE...）的 RPC 适配
// 地址相关的调用都走 RawRequest，避免 btcutil 按 BTC 参数解析山寨币地址
type Adapter struct {
	coin      string
	rpc       *rpcclient.Client
	params    *chaincfg.Params
	ownership OwnershipStrategy
}

// 编译时检查
var _ domain.ChainClient = (*Adapter)(nil)

func New(c Config) (*Adapter, error) {
	params, err := Params(c.Network)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ConfigError, "network params")
	}
	ownership, err := NewOwnershipStrategy(c.Ownership)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ConfigError, c.Network.Symbol)
	}

	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         c.Host,
		User:         c.User,
		Pass:         c.Pass,
		HTTPPostMode: true, // 比特币系节点只支持 POST
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ConfigError, "rpc client")
	}

	return &Adapter{
		coin:      strings.ToUpper(c.Network.Symbol),
		rpc:       client,
		params:    params,
		ownership: ownership,
	}, nil
}

func (a *Adapter) Coin() string { return a.coin }

func (a *Adapter) Close() { a.rpc.Shutdown() }

func (a *Adapter) GetHeight(ctx context.Context) (int64, error) {
	return await(ctx, "getblockcount", func() (int64, error) {
		return a.rpc.GetBlockCount()
	})
}

func (a *Adapter) GetBlockHash(ctx context.Context, height int64) (string, error) {
	return await(ctx, "getblockhash", func() (string, error) {
		h, err := a.rpc.GetBlockHash(height)
		if err != nil {
			return "", err
		}
		return h.String(), nil
	})
}

func (a *Adapter) GetBlock(ctx context.Context, hash string, withTxDetail bool) (*domain.Block, error) {
	if !withTxDetail {
		var res btcjson.GetBlockVerboseResult
		if err := a.call(ctx, "getblock", &res, hash, 1); err != nil {
			return nil, err
		}
		block := &domain.Block{
			Hash: res.Hash, Height: res.Height, PrevHash: res.PreviousHash,
			Confirmations: res.Confirmations, Txs: make([]domain.BlockTx, 0, len(res.Tx)),
		}
		for _, txid := range res.Tx {
			block.Txs = append(block.Txs, domain.BlockTx{Txid: txid})
		}
		return block, nil
	}

	var res btcjson.GetBlockVerboseTxResult
	if err := a.call(ctx, "getblock", &res, hash, 2); err != nil {
		return nil, err
	}
	block := &domain.Block{
		Hash:          res.Hash,
		Height:        res.Height,
		PrevHash:      res.PreviousHash,
		Confirmations: res.Confirmations,
		Txs:           make([]domain.BlockTx, 0, len(res.Tx)),
	}
	for _, tx := range res.Tx {
		btx := domain.BlockTx{Txid: tx.Txid, Outputs: make([]domain.BlockOutput, 0, len(tx.Vout))}
		for _, vout := range tx.Vout {
			addr, err := a.outputAddress(vout.ScriptPubKey)
			if err != nil {
				// 单个输出解析失败只跳过，不影响整个块
				logger.Debug(ctx, "skip undecodable output",
					zap.String("coin", a.coin), zap.String("txid", tx.Txid),
					zap.Uint32("n", vout.N), zap.Error(err))
			}
			btx.Outputs = append(btx.Outputs, domain.BlockOutput{
				N:       vout.N,
				Address: addr,
				Amount:  decimal.NewFromFloat(vout.Value).Round(domain.Precision),
			})
		}
		block.Txs = append(block.Txs, btx)
	}
	return block, nil
}

// outputAddress 新节点给 address，老节点给 addresses，都没有就自己解析脚本
func (a *Adapter) outputAddress(spk btcjson.ScriptPubKeyResult) (string, error) {
	if spk.Address != "" {
		return spk.Address, nil
	}
	if len(spk.Addresses) == 1 {
		return spk.Addresses[0], nil
	}
	script, err := hex.DecodeString(spk.Hex)
	if err != nil {
		return "", err
	}
	// ExtractPkScriptAddrs 自动识别 P2PKH, P2SH, P2WPKH...
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(script, a.params)
	if err != nil {
		return "", err
	}
	if len(addrs) != 1 {
		// OP_RETURN / 多签
		return "", nil
	}
	return addrs[0].EncodeAddress(), nil
}

func (a *Adapter) GetNewAddress(ctx context.Context, label string) (string, error) {
	var addr string
	if err := a.call(ctx, "getnewaddress", &addr, label); err != nil {
		return "", err
	}
	return addr, nil
}

func (a *Adapter) GetAddressOwnership(ctx context.Context, address string) (domain.Ownership, error) {
	return a.ownership.Check(ctx, a, address)
}

func (a *Adapter) RegisterForWatching(ctx context.Context, address, label string) error {
	// rescan=false，历史交易交给对账任务
	err := a.call(ctx, "importaddress", nil, address, label, false)
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) && strings.Contains(strings.ToLower(rpcErr.Message), "already") {
		return nil
	}
	return err
}

func (a *Adapter) GetReceivedByAddress(ctx context.Context, address string, minConf int) (decimal.Decimal, error) {
	var amount float64
	if err := a.call(ctx, "getreceivedbyaddress", &amount, address, minConf); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(amount).Round(domain.Precision), nil
}

func (a *Adapter) ListUnspent(ctx context.Context, minConf, maxConf int, addresses []string) ([]domain.Unspent, error) {
	if addresses == nil {
		addresses = []string{}
	}
	var res []btcjson.ListUnspentResult
	if err := a.call(ctx, "listunspent", &res, minConf, maxConf, addresses); err != nil {
		return nil, err
	}
	out := make([]domain.Unspent, 0, len(res))
	for _, u := range res {
		out = append(out, domain.Unspent{
			Txid:          u.TxID,
			Vout:          u.Vout,
			Address:       u.Address,
			Amount:        decimal.NewFromFloat(u.Amount).Round(domain.Precision),
			Confirmations: u.Confirmations,
		})
	}
	return out, nil
}

// EstimateFee 返回每 kB 的费率，节点估不出来时返回错误，由上层兜底
func (a *Adapter) EstimateFee(ctx context.Context, target int) (decimal.Decimal, error) {
	res, err := await(ctx, "estimatesmartfee", func() (*btcjson.EstimateSmartFeeResult, error) {
		return a.rpc.EstimateSmartFee(int64(target), nil)
	})
	if err != nil {
		return decimal.Zero, err
	}
	if res.FeeRate == nil {
		return decimal.Zero, xerr.New(xerr.RequestParamsError, fmt.Sprintf("fee estimate unavailable: %v", res.Errors))
	}
	return decimal.NewFromFloat(*res.FeeRate).Round(domain.Precision), nil
}

func (a *Adapter) BuildRawTransaction(ctx context.Context, inputs []domain.TxInput, outputs []domain.TxOutput) (string, error) {
	type input struct {
		Txid string `json:"txid"`
		Vout uint32 `json:"vout"`
	}
	ins := make([]input, 0, len(inputs))
	for _, in := range inputs {
		ins = append(ins, input{Txid: in.Txid, Vout: in.Vout})
	}
	// 金额按 8 位小数的数字传，不能用浮点
	outs := make(map[string]json.RawMessage, len(outputs))
	for _, out := range outputs {
		outs[out.Address] = json.RawMessage(out.Amount.StringFixed(domain.Precision))
	}

	var raw string
	if err := a.call(ctx, "createrawtransaction", &raw, ins, outs); err != nil {
		return "", err
	}
	return raw, nil
}

func (a *Adapter) SignTransaction(ctx context.Context, raw string) (domain.SignResult, error) {
	var res btcjson.SignRawTransactionResult
	if err := a.call(ctx, a.ownership.SignMethod(), &res, raw); err != nil {
		return domain.SignResult{}, err
	}
	return domain.SignResult{Hex: res.Hex, Complete: res.Complete}, nil
}

func (a *Adapter) BroadcastTransaction(ctx context.Context, signed string) (string, error) {
	var txid string
	if err := a.call(ctx, "sendrawtransaction", &txid, signed); err != nil {
		return "", err
	}
	return txid, nil
}

func (a *Adapter) GetTransaction(ctx context.Context, txid string) (*domain.TxInfo, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, xerr.Wrap(err, xerr.RequestParamsError, "invalid txid")
	}
	res, err := await(ctx, "gettransaction", func() (*btcjson.GetTransactionResult, error) {
		return a.rpc.GetTransaction(hash)
	})
	if err != nil {
		return nil, err
	}
	return &domain.TxInfo{
		Txid:          res.TxID,
		Confirmations: res.Confirmations,
		BlockHash:     res.BlockHash,
	}, nil
}

func (a *Adapter) ValidateAddress(address string) error {
	addr, err := btcutil.DecodeAddress(address, a.params)
	if err != nil {
		return xerr.Wrap(err, xerr.RequestParamsError, "invalid address")
	}
	if !addr.IsForNet(a.params) {
		return xerr.New(xerr.RequestParamsError, fmt.Sprintf("address is not a %s address", a.coin))
	}
	return nil
}

// call RawRequest + 解码；out 为 nil 时丢弃结果
func (a *Adapter) call(ctx context.Context, method string, out any, params ...any) error {
	raw := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		b, err := json.Marshal(p)
		if err != nil {
			return xerr.Wrap(err, xerr.RequestParamsError, method+": marshal params")
		}
		raw = append(raw, b)
	}

	res, err := await(ctx, method, func() (json.RawMessage, error) {
		return a.rpc.RawRequest(method, raw)
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res, out); err != nil {
		return xerr.Wrap(err, xerr.TransportError, method+": decode response")
	}
	return nil
}
