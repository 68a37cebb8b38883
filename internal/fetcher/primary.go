package fetcher

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trm-dispatch-stats/internal/trm"
	"trm-dispatch-stats/internal/version"
)

const (
	defaultPrimaryEndpoint = "https://www.superfinanciera.gov.co/SuperfinancieraWebServiceTRM/TCRMServicesWebService/TCRMServicesWebService"
	defaultPrimaryTimeout  = 15 * time.Second

	tcrmEnvelope = `<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:act="http://action.trm.services.generic.action.superfinanciera.nexura.sc.com.co/">` +
		`<soapenv:Header/><soapenv:Body><act:queryTCRM><tcrmQueryAssociatedDate>%s</tcrmQueryAssociatedDate></act:queryTCRM></soapenv:Body></soapenv:Envelope>`
)

// PrimaryOptions parameterise the SOAP-style rate lookup.
type PrimaryOptions struct {
	Endpoint   string
	SOAPAction string
	Timeout    time.Duration
	UserAgent  string
	Location   *time.Location
}

// Primary queries the official numeric-lookup service keyed by ISO date.
type Primary struct {
	opts     PrimaryOptions
	logger   zerolog.Logger
	client   *http.Client
	endpoint string
}

// NewPrimary constructs the primary source client.
func NewPrimary(opts PrimaryOptions, logger zerolog.Logger) *Primary {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultPrimaryTimeout
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}

	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = defaultPrimaryEndpoint
	}

	return &Primary{
		opts:     opts,
		logger:   logger.With().Str("component", "primary_source").Logger(),
		client:   &http.Client{Timeout: opts.Timeout},
		endpoint: endpoint,
	}
}

// Name identifies the tier.
func (p *Primary) Name() trm.Source { return trm.SourcePrimary }

// FetchRate posts a queryTCRM envelope for date. The call only succeeds when
// the service flags success and returns value and validity fields.
func (p *Primary) FetchRate(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	dateKey := trm.DateKey(date, p.opts.Location)
	body := fmt.Sprintf(tcrmEnvelope, dateKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(body))
	if err != nil {
		return decimal.Decimal{}, sourceErr(trm.SourcePrimary, KindTransport, err)
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("Accept", "text/xml")
	req.Header.Set("SOAPAction", p.opts.SOAPAction)
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return decimal.Decimal{}, sourceErr(trm.SourcePrimary, KindTransport, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Decimal{}, sourceErr(trm.SourcePrimary, KindTransport, err)
	}

	var envelope tcrmResponseEnvelope
	decodeErr := xml.Unmarshal(payload, &envelope)

	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(payload))
		if decodeErr == nil && envelope.Body.Fault != nil && envelope.Body.Fault.String != "" {
			msg = envelope.Body.Fault.String
		}
		return decimal.Decimal{}, sourceErr(trm.SourcePrimary, KindStatus, fmt.Errorf("http %d: %s", resp.StatusCode, msg))
	}
	if decodeErr != nil {
		return decimal.Decimal{}, sourceErr(trm.SourcePrimary, KindDecode, decodeErr)
	}

	result := envelope.Body.Response.Return
	if !strings.EqualFold(strings.TrimSpace(result.Success), "true") {
		return decimal.Decimal{}, sourceErr(trm.SourcePrimary, KindRejected, errors.New("service reported success=false"))
	}
	if strings.TrimSpace(result.Value) == "" || strings.TrimSpace(result.ValidityFrom) == "" || strings.TrimSpace(result.ValidityTo) == "" {
		return decimal.Decimal{}, sourceErr(trm.SourcePrimary, KindRejected, errors.New("response missing value or validity"))
	}

	value, err := decimal.NewFromString(strings.TrimSpace(result.Value))
	if err != nil {
		return decimal.Decimal{}, sourceErr(trm.SourcePrimary, KindDecode, fmt.Errorf("parse value: %w", err))
	}

	p.logger.Debug().Str("date", dateKey).
		Str("value", value.String()).
		Str("validity_from", result.ValidityFrom).
		Str("validity_to", result.ValidityTo).
		Msg("primary rate fetched")
	return value, nil
}

type tcrmResponseEnvelope struct {
	Body struct {
		Response struct {
			Return tcrmReturn `xml:"return"`
		} `xml:"queryTCRMResponse"`
		Fault *struct {
			String string `xml:"faultstring"`
		} `xml:"Fault"`
	} `xml:"Body"`
}

type tcrmReturn struct {
	ID           string `xml:"id"`
	Unit         string `xml:"unit"`
	ValidityFrom string `xml:"validityFrom"`
	ValidityTo   string `xml:"validityTo"`
	Value        string `xml:"value"`
	Success      string `xml:"success"`
}

var _ RateSource = (*Primary)(nil)
