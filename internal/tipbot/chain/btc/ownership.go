package btc

import (
	"context"
	"fmt"

	"tipbot.com/internal/tipbot/domain"
)

// OwnershipStrategy 按节点版本选择，启动时确定，不做运行时回退
type OwnershipStrategy interface {
	Check(ctx context.Context, a *Adapter, address string) (domain.Ownership, error)
	// SignMethod 同一代节点的签名接口
	SignMethod() string
}

func NewOwnershipStrategy(name string) (OwnershipStrategy, error) {
	switch name {
	case "", "addressinfo":
		return addressInfo{}, nil
	case "validateaddress":
		return validateAddress{}, nil
	default:
		return nil, fmt.Errorf("unknown ownership strategy %q", name)
	}
}

// addressInfo bitcoind 0.17+
type addressInfo struct{}

func (addressInfo) Check(ctx context.Context, a *Adapter, address string) (domain.Ownership, error) {
	var res struct {
		IsMine      bool `json:"ismine"`
		IsWatchOnly bool `json:"iswatchonly"`
	}
	if err := a.call(ctx, "getaddressinfo", &res, address); err != nil {
		return domain.Ownership{}, err
	}
	return domain.Ownership{IsMine: res.IsMine, IsWatchOnly: res.IsWatchOnly}, nil
}

func (addressInfo) SignMethod() string { return "signrawtransactionwithwallet" }

// validateAddress 老节点（dogecoind 1.14 之类）
type validateAddress struct{}

func (validateAddress) Check(ctx context.Context, a *Adapter, address string) (domain.Ownership, error) {
	var res struct {
		IsValid     bool `json:"isvalid"`
		IsMine      bool `json:"ismine"`
		IsWatchOnly bool `json:"iswatchonly"`
	}
	if err := a.call(ctx, "validateaddress", &res, address); err != nil {
		return domain.Ownership{}, err
	}
	if !res.IsValid {
		return domain.Ownership{}, nil
	}
	return domain.Ownership{IsMine: res.IsMine, IsWatchOnly: res.IsWatchOnly}, nil
}

func (validateAddress) SignMethod() string { return "signrawtransaction" }
