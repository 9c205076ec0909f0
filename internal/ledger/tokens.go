package ledger

// Token/time ratio. This is the single definition in the codebase: purchase
// crediting and usage debiting both derive from these constants, so the sum
// invariant cannot drift between the two paths.
const (
	// TokensPerSecond converts elapsed timer seconds into usage debits.
	TokensPerSecond int64 = 1

	// TokensPerHour converts one purchased hour into a credit.
	TokensPerHour int64 = 3600 * TokensPerSecond
)
