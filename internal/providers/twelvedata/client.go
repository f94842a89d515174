// Package twelvedata fetches closed OHLC bars from the Twelve Data REST API.
package twelvedata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sawpanic/signaldesk/internal/models"
)

// ErrRateLimited is returned when the upstream answers 429 or its JSON equivalent.
var ErrRateLimited = errors.New("twelve data rate limited")

// Config holds Twelve Data client configuration
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	APIKey         string        `yaml:"-"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	UserAgent      string        `yaml:"user_agent"`
}

// Client is a minimal time_series client. It never retries: each request consumes
// one unit of the caller's call budget.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	userAgent  string
}

func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "https://api.twelvedata.com"
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "signaldesk/1.0"
	}
	return &Client{
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		userAgent:  config.UserAgent,
	}
}

// Host is the upstream host used as the rate-limit key.
func (c *Client) Host() string {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL
	}
	return u.Host
}

type timeSeriesResponse struct {
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Values  []struct {
		Datetime string `json:"datetime"`
		Open     string `json:"open"`
		High     string `json:"high"`
		Low      string `json:"low"`
		Close    string `json:"close"`
	} `json:"values"`
}

// ClosedBars returns up to n fully closed bars ending at or before now, oldest
// first. The in-progress bar is dropped; the result is never repainted.
func (c *Client) ClosedBars(ctx context.Context, symbol, interval string, n int, now time.Time) ([]models.Bar, error) {
	step, err := ParseInterval(interval)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", interval)
	q.Set("outputsize", strconv.Itoa(n+1))
	q.Set("timezone", "UTC")
	q.Set("apikey", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/time_series?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	var body timeSeriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode time_series: %w", err)
	}
	if body.Status == "error" || (body.Code != 0 && body.Code != http.StatusOK) {
		if body.Code == http.StatusTooManyRequests {
			return nil, ErrRateLimited
		}
		return nil, fmt.Errorf("api error %d: %s", body.Code, body.Message)
	}

	bars := make([]models.Bar, 0, len(body.Values))
	for _, v := range body.Values {
		open, err := parseTime(v.Datetime)
		if err != nil {
			return nil, err
		}
		bar := models.Bar{Symbol: symbol, Timestamp: open.Add(step)}
		if bar.Timestamp.After(now) {
			continue
		}
		for _, f := range []struct {
			dst *float64
			raw string
		}{{&bar.Open, v.Open}, {&bar.High, v.High}, {&bar.Low, v.Low}, {&bar.Close, v.Close}} {
			if *f.dst, err = strconv.ParseFloat(f.raw, 64); err != nil {
				return nil, fmt.Errorf("bar %s: invalid price %q", v.Datetime, f.raw)
			}
		}
		if err := Validate(bar); err != nil {
			return nil, err
		}
		bars = append(bars, bar)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("no closed bars for %s %s", symbol, interval)
	}

	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	if len(bars) > n {
		bars = bars[len(bars)-n:]
	}
	return bars, nil
}

// LatestClosedBar returns the most recent fully closed bar.
func (c *Client) LatestClosedBar(ctx context.Context, symbol, interval string, now time.Time) (models.Bar, error) {
	bars, err := c.ClosedBars(ctx, symbol, interval, 1, now)
	if err != nil {
		return models.Bar{}, err
	}
	return bars[len(bars)-1], nil
}

// Validate rejects bars whose OHLC values are inconsistent.
func Validate(b models.Bar) error {
	for _, v := range []float64{b.Open, b.High, b.Low, b.Close} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("bar %s: non-finite price", b.Timestamp.Format(time.RFC3339))
		}
	}
	switch {
	case b.Open <= 0 || b.High <= 0 || b.Low <= 0 || b.Close <= 0:
		return fmt.Errorf("bar %s: non-positive price", b.Timestamp.Format(time.RFC3339))
	case b.High < b.Low:
		return fmt.Errorf("bar %s: high %.5f below low %.5f", b.Timestamp.Format(time.RFC3339), b.High, b.Low)
	case b.High < b.Open || b.High < b.Close || b.Low > b.Open || b.Low > b.Close:
		return fmt.Errorf("bar %s: open/close outside high/low range", b.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// ParseInterval converts a Twelve Data interval such as "15min" or "1h".
func ParseInterval(s string) (time.Duration, error) {
	units := []struct {
		suffix string
		unit   time.Duration
	}{{"min", time.Minute}, {"h", time.Hour}, {"day", 24 * time.Hour}}
	for _, u := range units {
		if n, ok := strings.CutSuffix(s, u.suffix); ok {
			v, err := strconv.Atoi(n)
			if err != nil || v <= 0 {
				break
			}
			return time.Duration(v) * u.unit, nil
		}
	}
	return 0, fmt.Errorf("unsupported interval %q", s)
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable bar time %q", s)
}
