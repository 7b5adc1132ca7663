package service

import (
	"context"

	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/internal/tipbot/locker"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/xerr"
)

// Directory (user, coin) -> 存款地址
type Directory struct {
	store  Store
	chains domain.ChainRegistry
	locker *locker.KeyLocker
}

func NewDirectory(store Store, chains domain.ChainRegistry, keys *locker.KeyLocker) *Directory {
	return &Directory{store: store, chains: chains, locker: keys}
}

// GetOrCreateAddress 已有地址先跟节点确认还能花，不能花就重新生成
// 节点不可达直接报错，不会因为传输失败去换地址
func (d *Directory) GetOrCreateAddress(ctx context.Context, userID int64, coin string) (string, error) {
	client, settings, err := d.chains.Get(coin)
	if err != nil {
		return "", err
	}
	coin = settings.Symbol

	user, err := d.store.GetUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if user == nil {
		return "", xerr.Newf(xerr.RecordNotFound, "user %d not found", userID)
	}

	ctx, release, err := d.locker.Lock(ctx, locker.AddressKey(userID, coin))
	if err != nil {
		return "", xerr.Wrap(err, xerr.ServerCommonError, "acquire address lock")
	}
	defer release()

	existing, err := d.store.GetAddress(ctx, userID, coin)
	if err != nil {
		return "", err
	}
	if existing != nil {
		own, err := client.GetAddressOwnership(ctx, existing.Address)
		if err != nil {
			return "", err
		}
		if own.Spendable() {
			return existing.Address, nil
		}
		logger.Warn(ctx, "⚠️ stored address no longer spendable, regenerating",
			zap.Int64("user", userID), zap.String("coin", coin),
			zap.String("address", existing.Address),
			zap.Bool("is_mine", own.IsMine), zap.Bool("watch_only", own.IsWatchOnly))
	}

	addr, err := d.generate(ctx, client, user.Label)
	if err != nil {
		return "", err
	}
	if err := client.RegisterForWatching(ctx, addr, user.Label); err != nil {
		return "", err
	}

	err = d.store.Transaction(ctx, func(ctx context.Context) error {
		if err := d.store.SaveAddress(ctx, &domain.WalletAddress{
			UserID: userID, Coin: coin, Address: addr, Label: user.Label,
		}); err != nil {
			return err
		}
		return d.store.EnsureBalance(ctx, userID, coin)
	})
	if err != nil {
		return "", err
	}
	logger.Info(ctx, "📫 deposit address allocated",
		zap.Int64("user", userID), zap.String("coin", coin), zap.String("address", addr))
	return addr, nil
}

// generate 节点给的地址不可花费时再要一次，两次都不行就放弃
func (d *Directory) generate(ctx context.Context, client domain.ChainClient, label string) (string, error) {
	for attempt := 0; attempt < 2; attempt++ {
		addr, err := client.GetNewAddress(ctx, label)
		if err != nil {
			return "", err
		}
		own, err := client.GetAddressOwnership(ctx, addr)
		if err != nil {
			return "", err
		}
		if own.Spendable() {
			return addr, nil
		}
		logger.Warn(ctx, "daemon returned unspendable address",
			zap.String("coin", client.Coin()), zap.String("address", addr), zap.Int("attempt", attempt+1))
	}
	return "", xerr.Newf(xerr.OwnershipError, "%s daemon keeps returning unspendable addresses", client.Coin())
}

func (d *Directory) ListAddresses(ctx context.Context, userID int64) ([]domain.WalletAddress, error) {
	return d.store.ListAddressesByUser(ctx, userID)
}
