// Package query serves read-only state over the dispatcher's read lock.
// Responses carry as_of_sequence: the sequence number the answer reflects.
package query

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/bsx-exchange/clearinghouse/internal/dispatch"
	"github.com/bsx-exchange/clearinghouse/internal/fixedpoint"
)

// Service answers balance, position, funding, and fund queries from the
// live dispatcher state. Amounts are rendered as decimal strings.
type Service struct {
	dispatcher *dispatch.Dispatcher
}

func NewService(d *dispatch.Dispatcher) *Service {
	return &Service{dispatcher: d}
}

func render(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -fixedpoint.WadDecimals).String()
}

// BalanceResponse is one spot balance.
type BalanceResponse struct {
	Account      string `json:"account"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	AsOfSequence uint32 `json:"as_of_sequence"`
}

// BalancesResponse lists every spot balance of an account.
type BalancesResponse struct {
	Account      string            `json:"account"`
	Balances     map[string]string `json:"balances"`
	AsOfSequence uint32            `json:"as_of_sequence"`
}

// PositionResponse is one perpetual position.
type PositionResponse struct {
	Account           string `json:"account"`
	Market            uint8  `json:"market"`
	Size              string `json:"size"`
	Quote             string `json:"quote"`
	FundingCheckpoint string `json:"funding_checkpoint"`
	AsOfSequence      uint32 `json:"as_of_sequence"`
}

// PositionsResponse lists every position of an account.
type PositionsResponse struct {
	Account      string                    `json:"account"`
	Positions    map[uint8]PositionDetails `json:"positions"`
	AsOfSequence uint32                    `json:"as_of_sequence"`
}

// PositionDetails is the per-market body of PositionsResponse.
type PositionDetails struct {
	Size              string `json:"size"`
	Quote             string `json:"quote"`
	FundingCheckpoint string `json:"funding_checkpoint"`
}

// FundingResponse is one market's funding state.
type FundingResponse struct {
	Market       uint8  `json:"market"`
	Cumulative   string `json:"cumulative"`
	OpenInterest string `json:"open_interest"`
	AsOfSequence uint32 `json:"as_of_sequence"`
}

// InsuranceResponse is the insurance fund balance in one asset.
type InsuranceResponse struct {
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	AsOfSequence uint32 `json:"as_of_sequence"`
}

// SequenceResponse is the dispatcher's position in the command stream.
type SequenceResponse struct {
	NextSequence uint32 `json:"next_sequence"`
	StateHash    string `json:"state_hash"`
	Paused       bool   `json:"paused"`
}

func (s *Service) Balance(account, asset common.Address) *BalanceResponse {
	return &BalanceResponse{
		Account:      account.Hex(),
		Asset:        asset.Hex(),
		Balance:      render(s.dispatcher.SpotBalance(account, asset)),
		AsOfSequence: s.dispatcher.Sequence(),
	}
}

func (s *Service) Balances(account common.Address) *BalancesResponse {
	balances := s.dispatcher.SpotBalances(account)
	out := make(map[string]string, len(balances))
	for asset, v := range balances {
		out[asset.Hex()] = render(v)
	}
	return &BalancesResponse{
		Account:      account.Hex(),
		Balances:     out,
		AsOfSequence: s.dispatcher.Sequence(),
	}
}

func (s *Service) Position(account common.Address, market uint8) *PositionResponse {
	p := s.dispatcher.Position(account, market)
	return &PositionResponse{
		Account:           account.Hex(),
		Market:            market,
		Size:              render(p.Size),
		Quote:             render(p.Quote),
		FundingCheckpoint: render(p.FundingCheckpoint),
		AsOfSequence:      s.dispatcher.Sequence(),
	}
}

func (s *Service) Positions(account common.Address) *PositionsResponse {
	positions := s.dispatcher.Positions(account)
	out := make(map[uint8]PositionDetails, len(positions))
	for market, p := range positions {
		out[market] = PositionDetails{
			Size:              render(p.Size),
			Quote:             render(p.Quote),
			FundingCheckpoint: render(p.FundingCheckpoint),
		}
	}
	return &PositionsResponse{
		Account:      account.Hex(),
		Positions:    out,
		AsOfSequence: s.dispatcher.Sequence(),
	}
}

func (s *Service) Funding(market uint8) *FundingResponse {
	cumulative, openInterest := s.dispatcher.FundingState(market)
	return &FundingResponse{
		Market:       market,
		Cumulative:   render(cumulative),
		OpenInterest: render(openInterest),
		AsOfSequence: s.dispatcher.Sequence(),
	}
}

func (s *Service) Insurance(asset common.Address) *InsuranceResponse {
	return &InsuranceResponse{
		Asset:        asset.Hex(),
		Balance:      render(s.dispatcher.InsuranceBalance(asset)),
		AsOfSequence: s.dispatcher.Sequence(),
	}
}

func (s *Service) Sequence() *SequenceResponse {
	hash := s.dispatcher.StateHash()
	return &SequenceResponse{
		NextSequence: s.dispatcher.Sequence(),
		StateHash:    common.Bytes2Hex(hash[:]),
		Paused:       s.dispatcher.Paused(),
	}
}
