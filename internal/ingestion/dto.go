package ingestion

import (
	"encoding/hex"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/bsx-exchange/clearinghouse/internal/event"
	"github.com/bsx-exchange/clearinghouse/internal/fixedpoint"
)

// wad renders a wad-scaled integer as a human decimal string, "75000" not
// "75000000000000000000000".
func wad(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -fixedpoint.WadDecimals).String()
}

func hexHash(h [32]byte) string {
	return hex.EncodeToString(h[:])
}

type matchedDTO struct {
	Market         uint8  `json:"market"`
	Maker          string `json:"maker"`
	Taker          string `json:"taker"`
	MakerOrderHash string `json:"maker_order_hash"`
	TakerOrderHash string `json:"taker_order_hash"`

	FillAmount string `json:"fill_amount"`
	Price      string `json:"price"`
	FillQuote  string `json:"fill_quote"`

	MakerNetFee  string `json:"maker_net_fee"`
	TakerNetFee  string `json:"taker_net_fee"`
	SequencerFee string `json:"sequencer_fee"`

	MakerReferrer       string `json:"maker_referrer,omitempty"`
	TakerReferrer       string `json:"taker_referrer,omitempty"`
	MakerReferralRebate string `json:"maker_referral_rebate"`
	TakerReferralRebate string `json:"taker_referral_rebate"`

	MakerRealizedPnL string `json:"maker_realized_pnl"`
	TakerRealizedPnL string `json:"taker_realized_pnl"`

	IsLiquidation      bool   `json:"is_liquidation"`
	LiquidationPenalty string `json:"liquidation_penalty"`
}

type signerAuthorizedDTO struct {
	Principal string `json:"principal"`
	Signer    string `json:"signer"`
	Nonce     uint64 `json:"nonce"`
}

type fundingDTO struct {
	Market     uint8  `json:"market"`
	Premium    string `json:"premium"`
	Cumulative string `json:"cumulative"`
}

type lossCoveredDTO struct {
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	Covered   string `json:"covered"`
	Remaining string `json:"remaining"`
}

type withdrawalDTO struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Nonce   uint64 `json:"nonce"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type assetExecutionDTO struct {
	Asset    string `json:"asset"`
	Status   string `json:"status"`
	Consumed string `json:"consumed"`
	Received string `json:"received"`
	Fee      string `json:"fee"`
	Reason   string `json:"reason,omitempty"`
}

type collateralBatchDTO struct {
	Account string              `json:"account"`
	Nonce   uint64              `json:"nonce"`
	Status  string              `json:"status"`
	Reason  string              `json:"reason,omitempty"`
	Assets  []assetExecutionDTO `json:"assets"`
}

type vaultDTO struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
	Nonce   uint64 `json:"nonce"`
	Unstake bool   `json:"unstake"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type rejectedDTO struct {
	Opcode byte   `json:"opcode"`
	Reason string `json:"reason"`
}

func assetExecutions(in []event.AssetExecution) []assetExecutionDTO {
	out := make([]assetExecutionDTO, 0, len(in))
	for _, a := range in {
		out = append(out, assetExecutionDTO{
			Asset:    a.Asset.Hex(),
			Status:   a.Status.String(),
			Consumed: wad(a.Consumed),
			Received: wad(a.Received),
			Fee:      wad(a.Fee),
			Reason:   a.Reason,
		})
	}
	return out
}

// outcomePayload converts an outcome into its wire DTO with decimal-string
// amounts.
func outcomePayload(oc event.Outcome) interface{} {
	switch o := oc.(type) {
	case *event.SignerAuthorized:
		return signerAuthorizedDTO{
			Principal: o.Principal.Hex(),
			Signer:    o.Signer.Hex(),
			Nonce:     o.Nonce,
		}
	case *event.OrdersMatched:
		dto := matchedDTO{
			Market:              o.Market,
			Maker:               o.Maker.Hex(),
			Taker:               o.Taker.Hex(),
			MakerOrderHash:      hexHash(o.MakerOrderHash),
			TakerOrderHash:      hexHash(o.TakerOrderHash),
			FillAmount:          wad(o.FillAmount),
			Price:               wad(o.Price),
			FillQuote:           wad(o.FillQuote),
			MakerNetFee:         wad(o.MakerNetFee),
			TakerNetFee:         wad(o.TakerNetFee),
			SequencerFee:        wad(o.SequencerFee),
			MakerReferralRebate: wad(o.MakerReferralRebate),
			TakerReferralRebate: wad(o.TakerReferralRebate),
			MakerRealizedPnL:    wad(o.MakerRealizedPnL),
			TakerRealizedPnL:    wad(o.TakerRealizedPnL),
			IsLiquidation:       o.IsLiquidation,
			LiquidationPenalty:  wad(o.LiquidationPenalty),
		}
		if o.MakerReferralRebate != nil && o.MakerReferralRebate.Sign() > 0 {
			dto.MakerReferrer = o.MakerReferrer.Hex()
		}
		if o.TakerReferralRebate != nil && o.TakerReferralRebate.Sign() > 0 {
			dto.TakerReferrer = o.TakerReferrer.Hex()
		}
		return dto
	case *event.FundingRateUpdated:
		return fundingDTO{Market: o.Market, Premium: wad(o.Premium), Cumulative: wad(o.Cumulative)}
	case *event.LossCovered:
		return lossCoveredDTO{
			Account:   o.Account.Hex(),
			Asset:     o.Asset.Hex(),
			Covered:   wad(o.Covered),
			Remaining: wad(o.Remaining),
		}
	case *event.Withdrawal:
		return withdrawalDTO{
			Account: o.Account.Hex(),
			Asset:   o.Asset.Hex(),
			Amount:  wad(o.Amount),
			Nonce:   o.Nonce,
			Status:  o.Status.String(),
			Reason:  o.Reason,
		}
	case *event.CollateralLiquidated:
		return collateralBatchDTO{
			Account: o.Account.Hex(),
			Nonce:   o.Nonce,
			Status:  o.Status.String(),
			Reason:  o.Reason,
			Assets:  assetExecutions(o.Assets),
		}
	case *event.CollateralSwapped:
		return collateralBatchDTO{
			Account: o.Account.Hex(),
			Nonce:   o.Nonce,
			Status:  o.Status.String(),
			Reason:  o.Reason,
			Assets:  assetExecutions(o.Assets),
		}
	case *event.VaultOutcome:
		return vaultDTO{
			Account: o.Account.Hex(),
			Asset:   o.Asset.Hex(),
			Amount:  wad(o.Amount),
			Nonce:   o.Nonce,
			Unstake: o.Unstake,
			Status:  o.Status.String(),
			Reason:  o.Reason,
		}
	case *event.CommandRejected:
		return rejectedDTO{Opcode: o.Opcode, Reason: o.Reason}
	default:
		return nil
	}
}
