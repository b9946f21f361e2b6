// Package pricing maps operation types to unit costs and plan tiers to base
// prices. It is pure data and arithmetic: no state, no I/O.
package pricing

import "strings"

// Category classifies a billable operation.
type Category string

const (
	CategoryStorage    Category = "storage"
	CategoryProcessing Category = "processing"
	CategoryEmbeddings Category = "embeddings"
	CategorySearch     Category = "search"
	CategoryAI         Category = "ai"
)

// Categories lists every billable category in breakdown order.
var Categories = []Category{
	CategoryStorage,
	CategoryProcessing,
	CategoryEmbeddings,
	CategorySearch,
	CategoryAI,
}

// Valid reports whether the category is one of the known set.
func (c Category) Valid() bool {
	switch c {
	case CategoryStorage, CategoryProcessing, CategoryEmbeddings, CategorySearch, CategoryAI:
		return true
	}
	return false
}

// Dimension is a quota dimension with its own limit and overage rate.
type Dimension string

const (
	DimensionTokens   Dimension = "tokens"
	DimensionAPICalls Dimension = "api_calls"
	DimensionStorage  Dimension = "storage"
)

// Tier is a subscription plan tier.
type Tier string

const (
	TierFree       Tier = "free"
	TierTrial      Tier = "trial"
	TierStarter    Tier = "starter"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Plan holds the monthly base price and default limits for a tier.
type Plan struct {
	Tier                Tier
	BasePrice           float64
	MonthlyTokenLimit   int64
	MonthlyAPICallLimit int64
	StorageLimitBytes   int64
	IsTrial             bool
}

var plans = map[Tier]Plan{
	TierFree: {
		Tier:                TierFree,
		BasePrice:           0,
		MonthlyTokenLimit:   100_000,
		MonthlyAPICallLimit: 1_000,
		StorageLimitBytes:   1 << 30, // 1 GiB
	},
	TierTrial: {
		Tier:                TierTrial,
		BasePrice:           0,
		MonthlyTokenLimit:   500_000,
		MonthlyAPICallLimit: 5_000,
		StorageLimitBytes:   5 << 30,
		IsTrial:             true,
	},
	TierStarter: {
		Tier:                TierStarter,
		BasePrice:           29,
		MonthlyTokenLimit:   2_000_000,
		MonthlyAPICallLimit: 20_000,
		StorageLimitBytes:   20 << 30,
	},
	TierPro: {
		Tier:                TierPro,
		BasePrice:           99,
		MonthlyTokenLimit:   10_000_000,
		MonthlyAPICallLimit: 100_000,
		StorageLimitBytes:   100 << 30,
	},
	TierEnterprise: {
		Tier:                TierEnterprise,
		BasePrice:           499,
		MonthlyTokenLimit:   100_000_000,
		MonthlyAPICallLimit: 1_000_000,
		StorageLimitBytes:   1 << 40, // 1 TiB
	},
}

// PlanFor returns the plan for a tier. Unknown tiers fall back to free.
func PlanFor(tier Tier) Plan {
	if plan, ok := plans[Tier(strings.ToLower(strings.TrimSpace(string(tier))))]; ok {
		return plan
	}
	return plans[TierFree]
}

// Per-unit costs by category. Storage is priced per byte-month, search and
// embeddings per operation, processing per second of compute.
var unitCosts = map[Category]float64{
	CategoryStorage:    0.023 / float64(1<<30), // per byte, $0.023/GiB-month
	CategoryProcessing: 0.0001,                 // per second
	CategoryEmbeddings: 0.00002,                // per embedding
	CategorySearch:     0.00004,                // per query
	CategoryAI:         0.000002,               // per token, generic fallback
}

// UnitCost returns the per-unit cost for a category.
func UnitCost(category Category) float64 {
	return unitCosts[category]
}

// TokenKind distinguishes model token charge types.
type TokenKind string

const (
	TokenInput      TokenKind = "input"
	TokenOutput     TokenKind = "output"
	TokenCacheWrite TokenKind = "cache_write"
	TokenCacheRead  TokenKind = "cache_read"
)

// tokenRates is the cost per 1K tokens by model prefix and kind.
var tokenRates = map[string]map[TokenKind]float64{
	"small": {
		TokenInput:      0.0008,
		TokenOutput:     0.004,
		TokenCacheWrite: 0.001,
		TokenCacheRead:  0.00008,
	},
	"large": {
		TokenInput:      0.003,
		TokenOutput:     0.015,
		TokenCacheWrite: 0.00375,
		TokenCacheRead:  0.0003,
	},
}

const defaultTokenRateClass = "large"

// TokenCost prices a token count for a model and kind. Unknown models are
// charged at the large-model rate.
func TokenCost(model string, kind TokenKind, tokens int64) float64 {
	if tokens <= 0 {
		return 0
	}
	class := defaultTokenRateClass
	lowered := strings.ToLower(model)
	for prefix := range tokenRates {
		if strings.Contains(lowered, prefix) {
			class = prefix
			break
		}
	}
	rate, ok := tokenRates[class][kind]
	if !ok {
		rate = tokenRates[defaultTokenRateClass][TokenInput]
	}
	return float64(tokens) / 1000 * rate
}

// Default overage rates per dimension unit: per token, per API call, and per
// byte of storage.
var overageRates = map[Dimension]float64{
	DimensionTokens:   0.000004,
	DimensionAPICalls: 0.002,
	DimensionStorage:  0.05 / float64(1<<30),
}

// OverageRate returns the default per-unit overage rate for a dimension.
func OverageRate(dimension Dimension) float64 {
	return overageRates[dimension]
}

// OverageCost prices usage beyond the plan limit. A non-positive overage or
// rate costs nothing.
func OverageCost(overage int64, rate float64) float64 {
	if overage <= 0 || rate <= 0 {
		return 0
	}
	return float64(overage) * rate
}
