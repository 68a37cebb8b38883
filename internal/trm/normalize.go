package trm

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

var numericPattern = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)$`)

// maxIntegerDigits is the width of the integer part assumed when text is not a
// plain number and only its digits are usable (e.g. "3.669.15" -> 3669.15).
// A plain number such as "366915" is returned as-is.
const maxIntegerDigits = 4

// Normalize converts a stored or received rate representation into a decimal.
// Unparseable or negative input yields zero; it never fails.
func Normalize(raw any) decimal.Decimal {
	switch v := raw.(type) {
	case nil:
		return decimal.Zero
	case decimal.Decimal:
		return nonNegative(v)
	case *decimal.Decimal:
		if v == nil {
			return decimal.Zero
		}
		return nonNegative(*v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero
		}
		return nonNegative(decimal.NewFromFloat(v))
	case float32:
		return Normalize(float64(v))
	case int:
		return nonNegative(decimal.NewFromInt(int64(v)))
	case int64:
		return nonNegative(decimal.NewFromInt(v))
	case int32:
		return nonNegative(decimal.NewFromInt(int64(v)))
	case string:
		return NormalizeString(v)
	case *string:
		if v == nil {
			return decimal.Zero
		}
		return NormalizeString(*v)
	case fmt.Stringer:
		return NormalizeString(v.String())
	default:
		return NormalizeString(fmt.Sprint(v))
	}
}

// NormalizeString parses free-form rate text such as "$ 3.669,15", "3,669.15",
// "3669,15" or "12/4".
func NormalizeString(s string) decimal.Decimal {
	cleaned := stripSymbols(s)
	if cleaned == "" {
		return decimal.Zero
	}
	if strings.Contains(cleaned, "/") {
		return divide(cleaned)
	}
	if value, ok := parseNumber(cleaned); ok {
		return nonNegative(value)
	}
	return fromDigits(cleaned)
}

func stripSymbols(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || unicode.Is(unicode.Sc, r) {
			return -1
		}
		return r
	}, s)
}

func divide(s string) decimal.Decimal {
	parts := strings.SplitN(s, "/", 2)
	numerator, ok := parseNumber(parts[0])
	if !ok {
		return decimal.Zero
	}

	denominator := decimal.NewFromInt(1)
	if parts[1] != "" {
		parsed, ok := parseNumber(parts[1])
		if !ok {
			return decimal.Zero
		}
		if !parsed.IsZero() {
			denominator = parsed
		}
	}

	return nonNegative(numerator.Div(denominator))
}

// parseNumber resolves the decimal separator and parses s when the result is
// a plain number.
func parseNumber(s string) (decimal.Decimal, bool) {
	localized := localize(s)
	if !numericPattern.MatchString(localized) {
		return decimal.Zero, false
	}
	value, err := decimal.NewFromString(localized)
	if err != nil {
		return decimal.Zero, false
	}
	return value, true
}

// localize rewrites s so that "." is the only decimal separator. When both
// separators appear the last one wins; a lone comma is a decimal separator.
func localize(s string) string {
	dot := strings.LastIndex(s, ".")
	comma := strings.LastIndex(s, ",")
	switch {
	case dot >= 0 && comma >= 0:
		if comma > dot {
			s = strings.ReplaceAll(s, ".", "")
			return strings.ReplaceAll(s, ",", ".")
		}
		return strings.ReplaceAll(s, ",", "")
	case comma >= 0:
		return strings.ReplaceAll(s, ",", ".")
	default:
		return s
	}
}

func fromDigits(s string) decimal.Decimal {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
	if digits == "" {
		return decimal.Zero
	}
	if len(digits) > maxIntegerDigits {
		digits = digits[:maxIntegerDigits] + "." + digits[maxIntegerDigits:]
	}
	value, err := decimal.NewFromString(digits)
	if err != nil {
		return decimal.Zero
	}
	return value
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
