package ledger

import (
	"github.com/smallbiznis/insurecard/internal/config"
	"github.com/smallbiznis/insurecard/internal/ledger/domain"
	"github.com/smallbiznis/insurecard/internal/ledger/ethereum"
	"github.com/smallbiznis/insurecard/internal/ledger/memory"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ledger.client",
	fx.Provide(NewClient),
)

type Params struct {
	fx.In

	Cfg config.Config
	Log *zap.Logger
}

// NewClient selects the ledger backend from LEDGER_MODE.
func NewClient(p Params) (domain.Client, error) {
	switch p.Cfg.Ledger.Mode {
	case config.LedgerModeEthereum:
		return ethereum.New(ethereum.Config{
			RPCURL:            p.Cfg.Ledger.RPCURL,
			ContractAddress:   p.Cfg.Ledger.ContractAddress,
			SignerPrivateKey:  p.Cfg.Ledger.SignerPrivateKey,
			Confirmations:     p.Cfg.Ledger.Confirmations,
			GasEstimateFactor: p.Cfg.Ledger.GasEstimateFactor,
			FromBlock:         p.Cfg.Ledger.FromBlock,
			RequestTimeout:    p.Cfg.Ledger.RequestTimeout,
			PollInterval:      p.Cfg.Issuance.PollInterval,
		}, p.Log)
	default:
		p.Log.Warn("using in-memory ledger, issued cards are not anchored on a real chain")
		return memory.New(p.Log, memory.Options{
			ConfirmAfterPolls: p.Cfg.Ledger.MemoryConfirmAfterPolls,
			PollInterval:      p.Cfg.Issuance.PollInterval,
		}), nil
	}
}
