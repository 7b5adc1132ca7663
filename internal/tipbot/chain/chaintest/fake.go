// Package chaintest 测试用的内存节点
package chaintest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/pkg/xerr"
)

type Fake struct {
	mu sync.Mutex

	CoinSymbol string
	Height     int64
	Blocks     map[int64]*domain.Block // 按高度
	Owned      map[string]domain.Ownership
	Received   map[string]map[int]decimal.Decimal // address -> minConf -> amount，没设置的从块里算
	Unspents   []domain.Unspent                   // 块里的输出之外额外的 UTXO
	FeeRate    decimal.Decimal
	FeeErr     error
	Incomplete bool // 签名返回不完整
	Txs        map[string]*domain.TxInfo
	Watched    map[string]string

	// Errs 按方法名注入错误
	Errs map[string]error

	NewAddrs    []string // GetNewAddress 依次返回
	addrCursor  int
	Built       []BuiltTx
	Broadcasted []string
	Calls       map[string]int
}

type BuiltTx struct {
	Inputs  []domain.TxInput
	Outputs []domain.TxOutput
}

var _ domain.ChainClient = (*Fake)(nil)

func New(coin string) *Fake {
	return &Fake{
		CoinSymbol: coin,
		Blocks:     make(map[int64]*domain.Block),
		Owned:      make(map[string]domain.Ownership),
		Received:   make(map[string]map[int]decimal.Decimal),
		Txs:        make(map[string]*domain.TxInfo),
		Watched:    make(map[string]string),
		Errs:       make(map[string]error),
		Calls:      make(map[string]int),
		FeeRate:    decimal.RequireFromString("0.0002"),
	}
}

// TransportDown 模拟节点不可达
func TransportDown(method string) error {
	return xerr.Wrap(fmt.Errorf("dial tcp: connection refused"), xerr.TransportError, method)
}

func (f *Fake) enter(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls[method]++
	return f.Errs[method]
}

// SetErr 线程安全地注入/清除错误
func (f *Fake) SetErr(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.Errs, method)
		return
	}
	f.Errs[method] = err
}

func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Calls[method]
}

// AddBlock 追加一个块，Height 跟着走
func (f *Fake) AddBlock(b *domain.Block) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b.Hash == "" {
		b.Hash = fmt.Sprintf("hash-%d", b.Height)
	}
	f.Blocks[b.Height] = b
	if b.Height > f.Height {
		f.Height = b.Height
	}
}

// SetConfirmations 更新块和块内交易的确认数
func (f *Fake) SetConfirmations(height, conf int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.Blocks[height]
	if b == nil {
		return
	}
	b.Confirmations = conf
	for _, tx := range b.Txs {
		f.Txs[tx.Txid] = &domain.TxInfo{Txid: tx.Txid, Confirmations: conf, BlockHash: b.Hash, BlockHeight: height}
	}
}

func (f *Fake) SetTx(txid string, conf int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Txs[txid] = &domain.TxInfo{Txid: txid, Confirmations: conf}
}

func (f *Fake) SetReceived(address string, minConf int, amount string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Received[address] == nil {
		f.Received[address] = make(map[int]decimal.Decimal)
	}
	f.Received[address][minConf] = decimal.RequireFromString(amount)
}

func (f *Fake) Coin() string { return f.CoinSymbol }

func (f *Fake) GetHeight(ctx context.Context) (int64, error) {
	if err := f.enter("GetHeight"); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Height, nil
}

func (f *Fake) GetBlockHash(ctx context.Context, height int64) (string, error) {
	if err := f.enter("GetBlockHash"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.Blocks[height]; ok {
		return b.Hash, nil
	}
	return fmt.Sprintf("hash-%d", height), nil
}

func (f *Fake) GetBlock(ctx context.Context, hash string, withTxDetail bool) (*domain.Block, error) {
	if err := f.enter("GetBlock"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.Blocks {
		if b.Hash == hash {
			cp := *b
			return &cp, nil
		}
	}
	// 空块
	return &domain.Block{Hash: hash}, nil
}

func (f *Fake) GetNewAddress(ctx context.Context, label string) (string, error) {
	if err := f.enter("GetNewAddress"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var addr string
	if f.addrCursor < len(f.NewAddrs) {
		addr = f.NewAddrs[f.addrCursor]
	} else {
		addr = fmt.Sprintf("%s-addr-%d", f.CoinSymbol, f.addrCursor)
	}
	f.addrCursor++
	if _, ok := f.Owned[addr]; !ok {
		f.Owned[addr] = domain.Ownership{IsMine: true}
	}
	return addr, nil
}

func (f *Fake) GetAddressOwnership(ctx context.Context, address string) (domain.Ownership, error) {
	if err := f.enter("GetAddressOwnership"); err != nil {
		return domain.Ownership{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Owned[address], nil
}

func (f *Fake) RegisterForWatching(ctx context.Context, address, label string) error {
	if err := f.enter("RegisterForWatching"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Watched[address] = label
	return nil
}

func (f *Fake) GetReceivedByAddress(ctx context.Context, address string, minConf int) (decimal.Decimal, error) {
	if err := f.enter("GetReceivedByAddress"); err != nil {
		return decimal.Zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if amount, ok := f.Received[address][minConf]; ok {
		return amount, nil
	}
	sum := decimal.Zero
	for _, u := range f.blockOutputs() {
		if u.Address == address && u.Confirmations >= int64(minConf) {
			sum = sum.Add(u.Amount)
		}
	}
	return sum, nil
}

func (f *Fake) ListUnspent(ctx context.Context, minConf, maxConf int, addresses []string) ([]domain.Unspent, error) {
	if err := f.enter("ListUnspent"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		want[a] = true
	}
	out := make([]domain.Unspent, 0)
	for _, u := range append(append([]domain.Unspent{}, f.Unspents...), f.blockOutputs()...) {
		if u.Confirmations < int64(minConf) || u.Confirmations > int64(maxConf) {
			continue
		}
		if len(want) > 0 && !want[u.Address] {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

// blockOutputs 块里的每个输出都当成未花费，确认数跟着块走；调用方持锁
func (f *Fake) blockOutputs() []domain.Unspent {
	heights := make([]int64, 0, len(f.Blocks))
	for h := range f.Blocks {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	out := make([]domain.Unspent, 0)
	for _, h := range heights {
		b := f.Blocks[h]
		conf := b.Confirmations
		if conf <= 0 {
			conf = f.Height - b.Height + 1
		}
		for _, tx := range b.Txs {
			for _, o := range tx.Outputs {
				if o.Address == "" || !o.Amount.IsPositive() {
					continue
				}
				out = append(out, domain.Unspent{Txid: tx.Txid, Vout: o.N, Address: o.Address, Amount: o.Amount, Confirmations: conf})
			}
		}
	}
	return out
}

func (f *Fake) EstimateFee(ctx context.Context, target int) (decimal.Decimal, error) {
	if err := f.enter("EstimateFee"); err != nil {
		return decimal.Zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FeeErr != nil {
		return decimal.Zero, f.FeeErr
	}
	return f.FeeRate, nil
}

func (f *Fake) BuildRawTransaction(ctx context.Context, inputs []domain.TxInput, outputs []domain.TxOutput) (string, error) {
	if err := f.enter("BuildRawTransaction"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Built = append(f.Built, BuiltTx{Inputs: inputs, Outputs: outputs})
	return fmt.Sprintf("raw-%d", len(f.Built)), nil
}

func (f *Fake) SignTransaction(ctx context.Context, raw string) (domain.SignResult, error) {
	if err := f.enter("SignTransaction"); err != nil {
		return domain.SignResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.SignResult{Hex: "signed-" + raw, Complete: !f.Incomplete}, nil
}

func (f *Fake) BroadcastTransaction(ctx context.Context, signed string) (string, error) {
	if err := f.enter("BroadcastTransaction"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Broadcasted = append(f.Broadcasted, signed)
	return fmt.Sprintf("txid-%d", len(f.Broadcasted)), nil
}

func (f *Fake) GetTransaction(ctx context.Context, txid string) (*domain.TxInfo, error) {
	if err := f.enter("GetTransaction"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx, ok := f.Txs[txid]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, xerr.New(xerr.RecordNotFound, "Invalid or non-wallet transaction id")
}

func (f *Fake) ValidateAddress(address string) error {
	if address == "" || address == "bad" {
		return xerr.New(xerr.RequestParamsError, "invalid address")
	}
	return nil
}

// Registry 单币种或多币种的测试注册表，不带 Guard
type Registry struct {
	Clients  map[string]*Fake
	Settings map[string]domain.CoinSettings
}

var _ domain.ChainRegistry = (*Registry)(nil)

func NewRegistry(fakes ...*Fake) *Registry {
	r := &Registry{Clients: make(map[string]*Fake), Settings: make(map[string]domain.CoinSettings)}
	for _, f := range fakes {
		r.Clients[f.CoinSymbol] = f
		r.Settings[f.CoinSymbol] = DefaultSettings(f.CoinSymbol)
	}
	return r
}

func DefaultSettings(coin string) domain.CoinSettings {
	return domain.CoinSettings{
		Symbol:        coin,
		Confirmations: 6,
		FeeTarget:     6,
		MinFee:        decimal.RequireFromString("0.001"),
		ChangeDust:    decimal.RequireFromString("0.00001"),
		MinAmount:     domain.Satoshi,
		MaxAmount:     domain.DefaultMaxValue,
	}
}

func (r *Registry) Get(coin string) (domain.ChainClient, domain.CoinSettings, error) {
	coin = strings.ToUpper(coin)
	f, ok := r.Clients[coin]
	if !ok {
		return nil, domain.CoinSettings{}, xerr.New(xerr.ConfigError, "coin "+coin+" is not enabled")
	}
	return f, r.Settings[coin], nil
}

func (r *Registry) Coins() []string {
	out := make([]string, 0, len(r.Clients))
	for c := range r.Clients {
		out = append(out, c)
	}
	return out
}
