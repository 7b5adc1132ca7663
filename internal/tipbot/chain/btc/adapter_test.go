package btc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tipbot.com/pkg/xerr"
)

func TestParams(t *testing.T) {
	tests := []struct {
		name    string
		cfg     NetworkConfig
		wantErr bool
		valid   string
	}{
		{name: "btc 主网", cfg: NetworkConfig{Symbol: "BTC", Network: "mainnet"}, valid: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"},
		{name: "testnet", cfg: NetworkConfig{Symbol: "BTC", Network: "testnet"}, valid: "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"},
		{name: "ltc 自定义", cfg: NetworkConfig{Symbol: "LTC", Network: "custom", PubKeyHashAddrID: 0x30, ScriptHashAddrID: 0x32, Bech32HRP: "ltc"}, valid: "LUEweDxDA4WhvWiNXXSxjM9CYzHPJv4QQF"},
		{name: "doge 无 segwit", cfg: NetworkConfig{Symbol: "DOGE", Network: "custom", PubKeyHashAddrID: 0x1e, ScriptHashAddrID: 0x16}, valid: "DEA5vGb2NpAwCiCp5yTE16F3DueQUVivQp"},
		{name: "未知网络", cfg: NetworkConfig{Symbol: "X", Network: "moon"}, wantErr: true},
		{name: "custom 缺少版本字节", cfg: NetworkConfig{Symbol: "Y", Network: "custom"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params, err := Params(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			a := &Adapter{coin: tt.cfg.Symbol, params: params}
			assert.NoError(t, a.ValidateAddress(tt.valid))
			err = a.ValidateAddress("not-an-address")
			assert.True(t, xerr.Is(err, xerr.RequestParamsError))
		})
	}

	// 重复注册不报错
	_, err := Params(NetworkConfig{Symbol: "LTC", Network: "custom", PubKeyHashAddrID: 0x30, ScriptHashAddrID: 0x32, Bech32HRP: "ltc"})
	assert.NoError(t, err)
}

func TestValidateAddress_WrongNet(t *testing.T) {
	params, err := Params(NetworkConfig{Symbol: "BTC", Network: "mainnet"})
	require.NoError(t, err)
	a := &Adapter{coin: "BTC", params: params}
	// testnet 地址不能提到主网
	assert.Error(t, a.ValidateAddress("tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx"))
}

func TestAwait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := await(ctx, "getblockcount", func() (int64, error) {
		time.Sleep(200 * time.Millisecond)
		return 1, nil
	})
	assert.True(t, xerr.Is(err, xerr.TransportError), "超时算传输错误")

	_, err = await(context.Background(), "sendrawtransaction", func() (string, error) {
		return "", &btcjson.RPCError{Code: -26, Message: "txn-mempool-conflict"}
	})
	assert.True(t, xerr.Is(err, xerr.RequestParamsError), "节点拒绝是业务错误")

	_, err = await(context.Background(), "gettransaction", func() (string, error) {
		return "", &btcjson.RPCError{Code: -5, Message: "Invalid or non-wallet transaction id"}
	})
	assert.True(t, xerr.Is(err, xerr.RecordNotFound))

	_, err = await(context.Background(), "getblock", func() (string, error) {
		return "", errors.New("connection refused")
	})
	assert.True(t, xerr.Is(err, xerr.TransportError))

	v, err := await(context.Background(), "getblockcount", func() (int64, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
}

func TestOwnershipStrategy(t *testing.T) {
	s, err := NewOwnershipStrategy("addressinfo")
	require.NoError(t, err)
	assert.Equal(t, "signrawtransactionwithwallet", s.SignMethod())

	s, err = NewOwnershipStrategy("validateaddress")
	require.NoError(t, err)
	assert.Equal(t, "signrawtransaction", s.SignMethod())

	_, err = NewOwnershipStrategy("guess")
	assert.Error(t, err)
}

func TestOutputAddress(t *testing.T) {
	params, err := Params(NetworkConfig{Symbol: "BTC", Network: "mainnet"})
	require.NoError(t, err)
	a := &Adapter{coin: "BTC", params: params}

	addr, err := a.outputAddress(btcjson.ScriptPubKeyResult{Address: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"})
	require.NoError(t, err)
	assert.Equal(t, "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", addr)

	// P2PKH 脚本，老节点没给地址时自己解析
	addr, err = a.outputAddress(btcjson.ScriptPubKeyResult{Hex: "76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac"})
	require.NoError(t, err)
	assert.Equal(t, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", addr)

	// OP_RETURN 没有地址
	addr, err = a.outputAddress(btcjson.ScriptPubKeyResult{Hex: "6a0568656c6c6f"})
	require.NoError(t, err)
	assert.Empty(t, addr)

	_, err = a.outputAddress(btcjson.ScriptPubKeyResult{Hex: "zz"})
	assert.Error(t, err)
}
