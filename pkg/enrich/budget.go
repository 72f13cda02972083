package enrich

const (
	// DefaultTokenCeiling is the tokens-per-minute ceiling assumed for models
	// missing from the ceiling table.
	DefaultTokenCeiling = 32000

	// basePromptTokens approximates the fixed instructions of a batch prompt.
	basePromptTokens = 400
)

// knownTokenCeilings are published free-tier tokens-per-minute limits.
var knownTokenCeilings = map[string]int{
	"gemini-2.5-flash":      250000,
	"gemini-2.5-pro":        125000,
	"gemini-2.0-flash":      1000000,
	"gemini-2.0-flash-lite": 1000000,
}

// Budget bounds batch size by estimated token cost. It is advisory and
// independent of the request-count window enforced by the rate limiter.
type Budget struct {
	// TokensPerItem is the estimated prompt and response cost of one item.
	TokensPerItem int
	// Margin is the share of the ceiling a single batch may use.
	Margin float64
	// MaxPracticalBatch caps batch size regardless of the ceiling.
	MaxPracticalBatch int
	// Ceilings overrides tokens-per-minute ceilings per model.
	Ceilings map[string]int
}

// DefaultBudget returns the default token budget.
func DefaultBudget() Budget {
	return Budget{
		TokensPerItem:     600,
		Margin:            0.7,
		MaxPracticalBatch: 10,
	}
}

// Ceiling returns the tokens-per-minute ceiling used for model.
func (b Budget) Ceiling(model string) int {
	if v, ok := b.Ceilings[model]; ok && v > 0 {
		return v
	}
	if v, ok := knownTokenCeilings[model]; ok {
		return v
	}
	return DefaultTokenCeiling
}

// MaxBatch returns how many items fit in one request to model. The result
// is never below 1.
func (b Budget) MaxBatch(model string) int {
	perItem := b.TokensPerItem
	if perItem <= 0 {
		perItem = DefaultBudget().TokensPerItem
	}
	margin := b.Margin
	if margin <= 0 || margin > 1 {
		margin = DefaultBudget().Margin
	}

	usable := int(float64(b.Ceiling(model))*margin) - basePromptTokens
	n := usable / perItem
	if n < 1 {
		n = 1
	}
	if b.MaxPracticalBatch > 0 && n > b.MaxPracticalBatch {
		n = b.MaxPracticalBatch
	}
	return n
}
