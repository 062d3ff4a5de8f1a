package services

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/clients"
	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/interfaces"
	"github.com/0xarcano/UXWallet/internal/models"
)

const bpsDenominator = 10000

// ProfitabilityResult is the decision for one intent.
type ProfitabilityResult struct {
	Profitable     bool          `json:"profitable"`
	Spread         models.Amount `json:"spread"`
	EstimatedCosts models.Amount `json:"estimatedCosts"`
	NetProfit      models.Amount `json:"netProfit"`
	SpreadBps      int64         `json:"spreadBps"`
	UserReward     models.Amount `json:"userReward"`
	TreasuryReward models.Amount `json:"treasuryReward"`
	Reason         string        `json:"reason"`
}

// Profitability decides whether an intent's reward covers its costs.
type Profitability struct {
	quotes          interfaces.BridgeClient
	minSpreadBps    int64
	fallbackCostBps uint64
	rewardBps       uint64
	log             logrus.FieldLogger
}

// NewProfitability creates a new Profitability evaluator
func NewProfitability(quotes interfaces.BridgeClient, cfg config.SolverConfig, log logrus.FieldLogger) *Profitability {
	p := &Profitability{
		quotes:       quotes,
		minSpreadBps: cfg.MinSpreadBps,
		log:          log,
	}
	if cfg.FallbackCostBps > 0 {
		p.fallbackCostBps = uint64(cfg.FallbackCostBps)
	}
	if cfg.RewardBps > 0 {
		p.rewardBps = uint64(cfg.RewardBps)
	}
	return p
}

// Evaluate computes gross reward, costs and net spread for intent.
//
// Gross is rewardBps of the amount when configured, otherwise the quoted
// spread amount - minReceived. Net is gross minus costs clamped at zero.
func (p *Profitability) Evaluate(ctx context.Context, intent Intent) (*ProfitabilityResult, error) {
	gross, err := p.grossReward(intent)
	if err != nil {
		return nil, err
	}
	if gross.IsZero() {
		return &ProfitabilityResult{Reason: "Negative or zero spread"}, nil
	}

	costs, err := p.estimateCosts(ctx, intent)
	if err != nil {
		return nil, err
	}
	net := gross.SubFloor(costs)

	bps, err := spreadBps(net, intent.Amount)
	if err != nil {
		return nil, err
	}

	result := &ProfitabilityResult{
		Spread:         gross,
		EstimatedCosts: costs,
		NetProfit:      net,
		SpreadBps:      bps,
	}
	switch {
	case net.IsZero():
		result.Reason = "Costs exceed spread"
	case bps < p.minSpreadBps:
		result.Reason = fmt.Sprintf("Spread %dbps below minimum %dbps", bps, p.minSpreadBps)
	default:
		result.Profitable = true
		result.Reason = "Profitable"
		result.UserReward, result.TreasuryReward = SplitReward(net)
	}

	p.log.WithFields(logrus.Fields{
		"intentId":   intent.IntentID,
		"spread":     gross.String(),
		"costs":      costs.String(),
		"netProfit":  net.String(),
		"spreadBps":  bps,
		"profitable": result.Profitable,
	}).Debug("📊 Profitability evaluated")
	return result, nil
}

func (p *Profitability) grossReward(intent Intent) (models.Amount, error) {
	if p.rewardBps > 0 {
		return intent.Amount.MulDiv(p.rewardBps, bpsDenominator)
	}
	return intent.Amount.SubFloor(intent.MinReceived), nil
}

// estimateCosts sums quoted gas and bridge fee. Without a usable quote it
// assumes fallbackCostBps of the amount.
func (p *Profitability) estimateCosts(ctx context.Context, intent Intent) (models.Amount, error) {
	if p.quotes != nil {
		quote, err := p.quotes.GetQuote(ctx, clients.QuoteRequest{
			SourceChainID:      intent.SourceChainID,
			DestinationChainID: intent.DestinationChainID,
			Asset:              intent.Asset,
			Amount:             intent.Amount.String(),
		})
		var costs models.Amount
		if err == nil {
			costs, err = quoteCosts(quote)
		}
		if err == nil {
			return costs, nil
		}
		p.log.WithError(err).WithField("intentId", intent.IntentID).Warn("⚠️ Quote unavailable, using fallback cost estimate")
	}
	return intent.Amount.MulDiv(p.fallbackCostBps, bpsDenominator)
}

func quoteCosts(quote *clients.QuoteResponse) (models.Amount, error) {
	gas, err := optionalAmount(quote.EstimatedGasCost)
	if err != nil {
		return models.Amount{}, err
	}
	fee, err := optionalAmount(quote.BridgeFee)
	if err != nil {
		return models.Amount{}, err
	}
	return gas.Add(fee)
}

func optionalAmount(s string) (models.Amount, error) {
	if s == "" {
		return models.Amount{}, nil
	}
	return models.ParseAmount(s)
}

// spreadBps is net*10000/amount, zero for a zero amount.
func spreadBps(net, amount models.Amount) (int64, error) {
	if amount.IsZero() {
		return 0, nil
	}
	scaled, err := net.MulDiv(bpsDenominator, 1)
	if err != nil {
		return 0, err
	}
	bps, ok := scaled.Div(amount).Uint64()
	if !ok || bps > 1<<62 {
		return 0, fmt.Errorf("spread of %s over %s out of range", net, amount)
	}
	return int64(bps), nil
}

// SplitReward halves net between the user and the treasury. An odd unit
// goes to the treasury.
func SplitReward(net models.Amount) (user, treasury models.Amount) {
	user = net.Div(models.NewAmount(2))
	treasury, _ = net.Sub(user)
	return user, treasury
}
