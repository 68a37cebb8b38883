package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"trm-dispatch-stats/internal/trm"
	"trm-dispatch-stats/internal/version"
)

const (
	defaultSecondaryBaseURL = "https://www.alphavantage.co"
	defaultSecondaryTimeout = 10 * time.Second

	seriesKey   = "Time Series FX (Daily)"
	closeField  = "4. close"
	cacheSuffix = ".json"
)

// SecondaryOptions parameterise the currency-pair time-series client.
type SecondaryOptions struct {
	BaseURL    string
	APIKey     string
	FromSymbol string
	ToSymbol   string
	Timeout    time.Duration
	UserAgent  string
	CacheDir   string
	Location   *time.Location
}

// Secondary reads the daily FX series for a currency pair. Responses are
// cached on disk for the current calendar day.
type Secondary struct {
	opts    SecondaryOptions
	clock   trm.Clock
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewSecondary constructs the secondary source client.
func NewSecondary(opts SecondaryOptions, clock trm.Clock, logger zerolog.Logger) *Secondary {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultSecondaryTimeout
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.FromSymbol == "" {
		opts.FromSymbol = "USD"
	}
	if opts.ToSymbol == "" {
		opts.ToSymbol = "COP"
	}
	if clock == nil {
		clock = trm.SystemClock{}
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultSecondaryBaseURL
	}

	return &Secondary{
		opts:    opts,
		clock:   clock,
		logger:  logger.With().Str("component", "secondary_source").Logger(),
		client:  &http.Client{Timeout: opts.Timeout},
		baseURL: baseURL,
	}
}

// Name identifies the tier.
func (s *Secondary) Name() trm.Source { return trm.SourceSecondary }

// FetchRate returns the close of the series point keyed by the current local
// date. The requested date does not select the point: the upstream contract
// indexes by today, and that behaviour is kept as-is.
func (s *Secondary) FetchRate(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	if strings.TrimSpace(s.opts.APIKey) == "" {
		return decimal.Decimal{}, sourceErr(trm.SourceSecondary, KindDisabled, errors.New("api key not configured"))
	}

	today := trm.DateKey(s.clock.Now(), s.opts.Location)

	series, cached := s.readDailyCache(today)
	if !cached {
		payload, err := s.download(ctx)
		if err != nil {
			return decimal.Decimal{}, err
		}
		series, err = parseSeries(payload)
		if err != nil {
			return decimal.Decimal{}, err
		}
		s.writeDailyCache(today, payload)
	}

	point, ok := series[today]
	if !ok {
		return decimal.Decimal{}, sourceErr(trm.SourceSecondary, KindRejected, fmt.Errorf("series has no point for %s", today))
	}
	raw, ok := point[closeField]
	if !ok {
		return decimal.Decimal{}, sourceErr(trm.SourceSecondary, KindRejected, fmt.Errorf("point %s missing %q", today, closeField))
	}
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, sourceErr(trm.SourceSecondary, KindDecode, fmt.Errorf("parse close: %w", err))
	}

	s.logger.Debug().
		Str("requested_date", trm.DateKey(date, s.opts.Location)).
		Str("series_date", today).
		Bool("cached", cached).
		Str("value", value.String()).
		Msg("secondary rate fetched")
	return value, nil
}

func (s *Secondary) download(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	query := url.Values{}
	query.Set("function", "FX_DAILY")
	query.Set("from_symbol", s.opts.FromSymbol)
	query.Set("to_symbol", s.opts.ToSymbol)
	query.Set("outputsize", "compact")
	query.Set("apikey", s.opts.APIKey)
	endpoint := s.baseURL + "/query?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, sourceErr(trm.SourceSecondary, KindTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(s.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", version.UserAgent())
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, sourceErr(trm.SourceSecondary, KindTransport, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, sourceErr(trm.SourceSecondary, KindTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, sourceErr(trm.SourceSecondary, KindStatus, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))))
	}
	return payload, nil
}

type seriesResponse struct {
	Series       map[string]map[string]string `json:"Time Series FX (Daily)"`
	ErrorMessage string                       `json:"Error Message"`
	Note         string                       `json:"Note"`
	Information  string                       `json:"Information"`
}

func parseSeries(payload []byte) (map[string]map[string]string, error) {
	var res seriesResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, sourceErr(trm.SourceSecondary, KindDecode, err)
	}
	switch {
	case res.ErrorMessage != "":
		return nil, sourceErr(trm.SourceSecondary, KindRejected, errors.New(res.ErrorMessage))
	case res.Note != "":
		return nil, sourceErr(trm.SourceSecondary, KindRejected, errors.New(res.Note))
	case res.Information != "":
		return nil, sourceErr(trm.SourceSecondary, KindRejected, errors.New(res.Information))
	case len(res.Series) == 0:
		return nil, sourceErr(trm.SourceSecondary, KindRejected, fmt.Errorf("response missing %q", seriesKey))
	}
	return res.Series, nil
}

func (s *Secondary) cachePrefix() string {
	return filepath.Join(s.opts.CacheDir, fmt.Sprintf("secondary_%s%s_", s.opts.FromSymbol, s.opts.ToSymbol))
}

func (s *Secondary) cachePath(day string) string {
	return s.cachePrefix() + day + cacheSuffix
}

func (s *Secondary) readDailyCache(day string) (map[string]map[string]string, bool) {
	if s.opts.CacheDir == "" {
		return nil, false
	}
	payload, err := os.ReadFile(s.cachePath(day))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Err(err).Str("day", day).Msg("read daily cache failed")
		}
		return nil, false
	}
	series, err := parseSeries(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("day", day).Msg("discarding unusable daily cache")
		return nil, false
	}
	return series, true
}

// writeDailyCache stores today's payload and drops files of earlier days.
// Failures only cost a repeat query.
func (s *Secondary) writeDailyCache(day string, payload []byte) {
	if s.opts.CacheDir == "" {
		return
	}
	if err := os.MkdirAll(s.opts.CacheDir, 0o755); err != nil {
		s.logger.Warn().Err(err).Msg("create cache dir failed")
		return
	}

	path := s.cachePath(day)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		s.logger.Warn().Err(err).Str("path", tmp).Msg("write daily cache failed")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("commit daily cache failed")
		return
	}

	stale, err := filepath.Glob(s.cachePrefix() + "*" + cacheSuffix)
	if err != nil {
		return
	}
	for _, old := range stale {
		if old != path {
			_ = os.Remove(old)
		}
	}
}

var _ RateSource = (*Secondary)(nil)
