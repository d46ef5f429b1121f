package guard

import "github.com/shopspring/decimal"

// CppInput is a held paired position with average entry prices in cents.
type CppInput struct {
	UpShares          decimal.Decimal
	DownShares        decimal.Decimal
	AvgUpPriceCents   decimal.Decimal
	AvgDownPriceCents decimal.Decimal
}

// CppResult is the paired-only combined price.
type CppResult struct {
	CppPairedOnlyCents decimal.Decimal `json:"cpp_paired_only_cents"`
	IsValid            bool            `json:"is_valid"`
	Reason             string          `json:"reason,omitempty"`
}

const (
	CppReasonNoUp   = "NO_UP_SHARES"
	CppReasonNoDown = "NO_DOWN_SHARES"
)

// CalculateCppPairedOnly sums the average UP and DOWN entry prices. The value
// is only meaningful when both legs hold shares; otherwise IsValid is false
// and the sum is zero. This package only reports it; acting on it is up to
// the caller.
func CalculateCppPairedOnly(in CppInput) CppResult {
	switch {
	case !in.UpShares.IsPositive():
		return CppResult{CppPairedOnlyCents: decimal.Zero, Reason: CppReasonNoUp}
	case !in.DownShares.IsPositive():
		return CppResult{CppPairedOnlyCents: decimal.Zero, Reason: CppReasonNoDown}
	}
	return CppResult{
		CppPairedOnlyCents: in.AvgUpPriceCents.Add(in.AvgDownPriceCents),
		IsValid:            true,
	}
}
