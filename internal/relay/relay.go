// Package relay implements RelayDirectoryClient: fetching and parsing the
// exit-relay list from the directory service (spec §4.2, §6).
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"torpool/internal/logging"
	"torpool/internal/torerr"
)

// Record is one usable exit relay (spec §3 RelayRecord).
type Record struct {
	ID              string
	Address         string
	Country         string
	ExitProbability float64
	HasProbability  bool
}

// Filter narrows the fetched relay set.
type Filter struct {
	Countries map[string]bool // empty/nil means no country filter
	MaxRelays int             // 0 means unbounded
}

type directoryResponse struct {
	Relays []directoryRelay `json:"relays"`
}

type directoryRelay struct {
	Fingerprint     string   `json:"fingerprint"`
	OrAddresses     []string `json:"or_addresses"`
	Country         string   `json:"country"`
	ExitProbability *float64 `json:"exit_probability"`
}

// Client fetches RelayRecords from a directory service HTTP endpoint.
type Client struct {
	url        string
	httpClient *http.Client
	log        *logging.Logger
}

// New builds a Client against the given directory URL with a bounded
// request timeout (spec: "short timeout, ≤15s").
func New(url string, log *logging.Logger) *Client {
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		log: log.With("relay-directory"),
	}
}

// Fetch performs a single GET against the directory URL and parses the
// relay list, applying filter. On any network or parse failure it returns
// a nil slice and a torerr-wrapped error; callers proceed with an empty
// relay list per spec §4.2.
func (c *Client) Fetch(ctx context.Context, filter Filter) ([]Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w: %w", err, torerr.ErrDirectoryUnavailable)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Warn().Err(err).Msg("directory fetch failed")
		return nil, fmt.Errorf("fetch relay directory: %w: %w", err, torerr.ErrDirectoryUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Msg("directory returned non-200")
		return nil, fmt.Errorf("directory status %d: %w", resp.StatusCode, torerr.ErrDirectoryUnavailable)
	}

	var body directoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.log.Warn().Err(err).Msg("directory body malformed")
		return nil, fmt.Errorf("decode relay directory: %w: %w", err, torerr.ErrDirectoryMalformed)
	}

	records := make([]Record, 0, len(body.Relays))
	for _, r := range body.Relays {
		addr := firstIPv4(r.OrAddresses)
		if addr == "" {
			continue
		}
		if len(filter.Countries) > 0 && !filter.Countries[strings.ToUpper(r.Country)] {
			continue
		}
		rec := Record{
			ID:      r.Fingerprint,
			Address: addr,
			Country: r.Country,
		}
		if r.ExitProbability != nil {
			rec.ExitProbability = *r.ExitProbability
			rec.HasProbability = true
		}
		records = append(records, rec)
		if filter.MaxRelays > 0 && len(records) >= filter.MaxRelays {
			break
		}
	}

	c.log.Info().Int("count", len(records)).Msg("fetched relay directory")
	return records, nil
}

// firstIPv4 returns the first host:port entry whose host parses as an
// IPv4 address's textual form, per spec §4.2's "first IPv4 address" rule.
func firstIPv4(orAddresses []string) string {
	for _, entry := range orAddresses {
		host := entry
		if idx := strings.LastIndex(entry, ":"); idx >= 0 {
			host = entry[:idx]
		}
		if isIPv4(host) {
			return host
		}
	}
	return ""
}

func isIPv4(host string) bool {
	parts := strings.Split(host, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 3 {
			return false
		}
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return false
			}
		}
	}
	return true
}
