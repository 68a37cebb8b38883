package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trm-dispatch-stats/internal/trm"
)

// ErrSourceUnavailable matches every SourceError.
var ErrSourceUnavailable = errors.New("rate source unavailable")

// ErrorKind classifies why a source tier failed.
type ErrorKind string

const (
	KindTransport  ErrorKind = "transport"
	KindStatus     ErrorKind = "status"
	KindDecode     ErrorKind = "decode"
	KindRejected   ErrorKind = "rejected"
	KindOutOfRange ErrorKind = "out_of_range"
	KindDisabled   ErrorKind = "disabled"
)

// RateSource retrieves the reference rate for a calendar date from an external service.
type RateSource interface {
	Name() trm.Source
	FetchRate(ctx context.Context, date time.Time) (decimal.Decimal, error)
}

// SourceError is the failure outcome of one source tier.
type SourceError struct {
	Source trm.Source
	Kind   ErrorKind
	Err    error
}

func (e *SourceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s source %s", e.Source, e.Kind)
	}
	return fmt.Sprintf("%s source %s: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrSourceUnavailable) match any SourceError.
func (e *SourceError) Is(target error) bool { return target == ErrSourceUnavailable }

// KindOf extracts the failure kind, defaulting to transport for foreign errors.
func KindOf(err error) ErrorKind {
	var srcErr *SourceError
	if errors.As(err, &srcErr) {
		return srcErr.Kind
	}
	return KindTransport
}

func sourceErr(source trm.Source, kind ErrorKind, err error) error {
	return &SourceError{Source: source, Kind: kind, Err: err}
}
