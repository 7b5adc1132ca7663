package service

import (
	"context"
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"tipbot.com/internal/tipbot/domain"
	"tipbot.com/internal/tipbot/locker"
	"tipbot.com/internal/tipbot/notify"
	"tipbot.com/pkg/logger"
	"tipbot.com/pkg/xerr"
)

type WithdrawResult struct {
	Txid   string          `json:"txid"`
	Amount decimal.Decimal `json:"amount"`
	Fee    decimal.Decimal `json:"fee"`
	Change decimal.Decimal `json:"change"`
}

type WithdrawService struct {
	store    Store
	ledger   *Ledger
	chains   domain.ChainRegistry
	locker   *locker.KeyLocker
	notifier domain.Notifier
}

func NewWithdrawService(store Store, ledger *Ledger, chains domain.ChainRegistry, keys *locker.KeyLocker, notifier domain.Notifier) *WithdrawService {
	return &WithdrawService{store: store, ledger: ledger, chains: chains, locker: keys, notifier: notifier}
}

// Withdraw 提现到链上地址，手续费另外扣：目标地址收到 amount，账本扣 amount + fee
// 整个过程持有 (user, coin) 的锁；广播成功之后才扣账
func (s *WithdrawService) Withdraw(ctx context.Context, userID int64, coin string, amount decimal.Decimal, destination string) (*WithdrawResult, error) {
	client, settings, err := s.chains.Get(coin)
	if err != nil {
		return nil, err
	}
	coin = settings.Symbol

	if err := client.ValidateAddress(destination); err != nil {
		return nil, xerr.Wrap(err, xerr.RequestParamsError, "invalid destination address")
	}
	if err := s.ledger.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if err := domain.ValidateAmount(amount, settings.MinAmount, settings.MaxAmount); err != nil {
		return nil, err
	}

	ctx, release, err := s.locker.Lock(ctx, locker.BalanceKey(userID, coin))
	if err != nil {
		return nil, xerr.Wrap(err, xerr.ServerCommonError, "acquire ledger lock")
	}
	defer release()

	bal, err := s.ledger.GetBalance(ctx, userID, coin)
	if err != nil {
		return nil, err
	}
	if bal.Confirmed.LessThan(amount) {
		return nil, insufficient(bal, amount)
	}

	source, err := s.store.GetAddress(ctx, userID, coin)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, xerr.Newf(xerr.InsufficientFunds, "no %s deposit address", coin)
	}
	utxos, err := client.ListUnspent(ctx, 1, math.MaxInt32, []string{source.Address})
	if err != nil {
		return nil, err
	}
	if len(utxos) == 0 {
		return nil, xerr.New(xerr.InsufficientFunds, "no spendable outputs")
	}

	fee := s.fee(ctx, client, settings)
	need := amount.Add(fee)
	if bal.Confirmed.LessThan(need) {
		return nil, insufficient(bal, need)
	}

	// 按节点返回的顺序贪心选币
	inputs := make([]domain.TxInput, 0, len(utxos))
	selected := decimal.Zero
	for _, u := range utxos {
		inputs = append(inputs, domain.TxInput{Txid: u.Txid, Vout: u.Vout})
		selected = selected.Add(u.Amount)
		if selected.GreaterThanOrEqual(need) {
			break
		}
	}
	if selected.LessThan(need) {
		return nil, xerr.Newf(xerr.InsufficientFunds, "on-chain outputs %s cannot cover %s", selected.String(), need.String())
	}

	outputs := []domain.TxOutput{{Address: destination, Amount: amount}}
	change := selected.Sub(need)
	if change.GreaterThan(settings.ChangeDust) {
		// 找零回到用户自己的存款地址，对账时还算他的
		outputs = append(outputs, domain.TxOutput{Address: source.Address, Amount: change})
	} else {
		change = decimal.Zero
	}

	raw, err := client.BuildRawTransaction(ctx, inputs, outputs)
	if err != nil {
		return nil, err
	}
	signed, err := client.SignTransaction(ctx, raw)
	if err != nil {
		return nil, err
	}
	if !signed.Complete {
		return nil, xerr.New(xerr.SigningFailure, "daemon returned an incomplete signature")
	}
	txid, err := client.BroadcastTransaction(ctx, signed.Hex)
	if err != nil {
		return nil, err
	}

	_, err = s.ledger.Debit(ctx, userID, coin, amount, Posting{
		Kind:    domain.KindWithdrawal,
		Txid:    &txid,
		Fee:     fee,
		Pending: true,
	})
	if err != nil {
		// 钱已经上链，账本没扣成，只能靠对账修正
		logger.Error(ctx, "🔥 withdrawal broadcast but ledger debit failed",
			zap.Int64("user", userID), zap.String("coin", coin), zap.String("txid", txid), zap.Error(err))
		return nil, err
	}

	logger.Info(ctx, "📤 withdrawal sent",
		zap.Int64("user", userID), zap.String("coin", coin), zap.String("txid", txid),
		zap.String("amount", amount.String()), zap.String("fee", fee.String()),
		zap.Int("inputs", len(inputs)), zap.String("change", change.String()))
	notify.Send(ctx, s.notifier, userID, domain.NotifyWithdrawalSent, domain.Payload{
		Coin: coin, Amount: amount, Fee: fee, Txid: txid,
	})
	return &WithdrawResult{Txid: txid, Amount: amount, Fee: fee, Change: change}, nil
}

// fee 节点估算和最低手续费取大的，估不出来就用最低值
func (s *WithdrawService) fee(ctx context.Context, client domain.ChainClient, settings domain.CoinSettings) decimal.Decimal {
	est, err := client.EstimateFee(ctx, settings.FeeTarget)
	if err != nil {
		logger.Warn(ctx, "fee estimation failed, using min fee",
			zap.String("coin", settings.Symbol), zap.Error(err))
		return settings.MinFee
	}
	return domain.Floor8(decimal.Max(est, settings.MinFee))
}
