package btc

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// NetworkConfig 地址编码参数，山寨币用 custom 自己填版本字节
type NetworkConfig struct {
	Symbol           string
	Network          string
	PubKeyHashAddrID uint8
	ScriptHashAddrID uint8
	Bech32HRP        string
}

// Params 按配置生成 chaincfg.Params
// custom 网络需要注册一次，否则 btcutil 不认识 bech32 前缀
func Params(c NetworkConfig) (*chaincfg.Params, error) {
	switch strings.ToLower(c.Network) {
	case "", "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "custom":
	default:
		return nil, fmt.Errorf("%s: unknown network %q", c.Symbol, c.Network)
	}

	if c.PubKeyHashAddrID == 0 && c.ScriptHashAddrID == 0 {
		return nil, fmt.Errorf("%s: custom network needs address version bytes", c.Symbol)
	}

	params := chaincfg.MainNetParams
	params.Name = strings.ToLower(c.Symbol) + "-custom"
	params.Net = netMagic(params.Name)
	params.PubKeyHashAddrID = c.PubKeyHashAddrID
	params.ScriptHashAddrID = c.ScriptHashAddrID
	params.Bech32HRPSegwit = c.Bech32HRP

	if err := chaincfg.Register(&params); err != nil && !errors.Is(err, chaincfg.ErrDuplicateNet) {
		return nil, err
	}
	return &params, nil
}

// 用名字算一个稳定的 magic，只用来在 chaincfg 里区分网络
func netMagic(name string) wire.BitcoinNet {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return wire.BitcoinNet(h.Sum32())
}
