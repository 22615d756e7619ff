package domain

// NonRetryableCodesVersion identifies the revision of the code table below.
// Bump it whenever a code is added or removed.
const NonRetryableCodesVersion = "2024.1"

// nonRetryableCodes are permanent ledger rejections: resubmitting the same
// operation will fail the same way.
var nonRetryableCodes = map[string]struct{}{
	"INSUFFICIENT_ACCOUNT_BALANCE":        {},
	"INSUFFICIENT_PAYER_BALANCE":          {},
	"INSUFFICIENT_TOKEN_BALANCE":          {},
	"INVALID_SIGNATURE":                   {},
	"INVALID_ACCOUNT_ID":                  {},
	"INVALID_TOKEN_ID":                    {},
	"ACCOUNT_DELETED":                     {},
	"TOKEN_WAS_DELETED":                   {},
	"TOKEN_IS_PAUSED":                     {},
	"ACCOUNT_FROZEN_FOR_TOKEN":            {},
	"TOKEN_NOT_ASSOCIATED_TO_ACCOUNT":     {},
	"TOKEN_ALREADY_ASSOCIATED_TO_ACCOUNT": {},
	"ACCOUNT_KYC_NOT_GRANTED_FOR_TOKEN":   {},
	"TOKEN_HAS_NO_SUPPLY_KEY":             {},
	"TOKEN_HAS_NO_FREEZE_KEY":             {},
	"TOKEN_HAS_NO_PAUSE_KEY":              {},
	"TOKEN_MAX_SUPPLY_REACHED":            {},
	"ACCOUNT_REPEATED_IN_ACCOUNT_AMOUNTS": {},
	"TRANSFERS_NOT_ZERO_SUM_FOR_TOKEN":    {},
	CodeUnknownTaskType:                   {},
	CodeInvalidPayload:                    {},
}

// IsNonRetryableCode reports whether code is a known permanent failure.
func IsNonRetryableCode(code string) bool {
	_, ok := nonRetryableCodes[code]
	return ok
}

// NonRetryableCodes returns a copy of the classified codes.
func NonRetryableCodes() []string {
	codes := make([]string, 0, len(nonRetryableCodes))
	for code := range nonRetryableCodes {
		codes = append(codes, code)
	}
	return codes
}
