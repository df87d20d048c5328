package geo

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"clickguardian/internal/metrics"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// ClientConfig holds parameters for the fused lookup client.
type ClientConfig struct {
	Timeout   time.Duration // per-lookup budget across all upstreams
	CacheSize int

	// Upstream base URLs, overridable for tests.
	IPWhoBaseURL  string
	IPAPIBaseURL  string
	IPInfoBaseURL string
}

const (
	defaultIPWhoBaseURL  = "https://ipwho.is"
	defaultIPAPIBaseURL  = "https://ipapi.co"
	defaultIPInfoBaseURL = "https://ipinfo.io"
)

// Client queries up to three public geo APIs and fuses their answers,
// caching fused results by address for the process lifetime. Stale entries
// are acceptable: IP-to-geo mappings change rarely relative to uptime.
type Client struct {
	cfg       ClientConfig
	http      *http.Client
	cache     *lru.Cache[string, Result]
	upstreams []upstream
	log       zerolog.Logger
}

type upstream struct {
	name  string
	url   func(base, ip string) string
	base  string
	parse func([]byte) (Result, bool)
}

// NewClient constructs the fused lookup client.
func NewClient(cfg ClientConfig, log zerolog.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 20000
	}
	if cfg.IPWhoBaseURL == "" {
		cfg.IPWhoBaseURL = defaultIPWhoBaseURL
	}
	if cfg.IPAPIBaseURL == "" {
		cfg.IPAPIBaseURL = defaultIPAPIBaseURL
	}
	if cfg.IPInfoBaseURL == "" {
		cfg.IPInfoBaseURL = defaultIPInfoBaseURL
	}

	cache, err := lru.New[string, Result](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create geo cache: %w", err)
	}

	dialer := &net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: cfg.Timeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Transport: transport, Timeout: cfg.Timeout},
		cache: cache,
		log:   log,
	}
	c.upstreams = []upstream{
		{name: "ipwho", base: cfg.IPWhoBaseURL, url: func(base, ip string) string { return base + "/" + ip }, parse: parseIPWho},
		{name: "ipapi", base: cfg.IPAPIBaseURL, url: func(base, ip string) string { return base + "/" + ip + "/json/" }, parse: parseIPAPI},
		{name: "ipinfo", base: cfg.IPInfoBaseURL, url: func(base, ip string) string { return base + "/" + ip + "/json" }, parse: parseIPInfo},
	}
	return c, nil
}

// Lookup resolves one address. Private addresses short-circuit without
// network IO. One bounded attempt per event; the cache prevents repeated
// cost for the same address. Never returns an error: total upstream failure
// yields Neutral() (uncached, so a transient outage does not stick).
func (c *Client) Lookup(ctx context.Context, ip string) Result {
	if IsLocal(ip) {
		metrics.GeoLookups.WithLabelValues("local", "ok").Inc()
		return Local()
	}
	if cached, ok := c.cache.Get(ip); ok {
		metrics.GeoLookups.WithLabelValues("cache", "ok").Inc()
		return cached
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	results := make([]Result, len(c.upstreams))
	hits := make([]bool, len(c.upstreams))
	var wg sync.WaitGroup
	for i, up := range c.upstreams {
		wg.Add(1)
		go func(i int, up upstream) {
			defer wg.Done()
			res, ok := c.query(ctx, up, ip)
			if ok {
				results[i], hits[i] = res, true
				metrics.GeoLookups.WithLabelValues(up.name, "ok").Inc()
			} else {
				metrics.GeoLookups.WithLabelValues(up.name, "error").Inc()
			}
		}(i, up)
	}
	wg.Wait()

	var got []Result
	for i, ok := range hits {
		if ok {
			got = append(got, results[i])
		}
	}
	if len(got) == 0 {
		c.log.Debug().Str("ip", ip).Msg("all geo upstreams failed; using neutral result")
		return Neutral()
	}

	fused := fuse(got)
	c.cache.Add(ip, fused)
	metrics.GeoCacheSize.Set(float64(c.cache.Len()))
	return fused
}

func (c *Client) query(ctx context.Context, up upstream, ip string) (Result, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, up.url(up.base, ip), nil)
	if err != nil {
		return Result{}, false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Trace().Str("upstream", up.name).Str("ip", ip).Err(err).Msg("geo upstream failed")
		return Result{}, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Result{}, false
	}
	return up.parse(body)
}

// fuse picks the most common non-empty value per field and ORs the VPN
// flags, so one disagreeing upstream cannot flip the answer.
func fuse(results []Result) Result {
	out := Result{
		Country: mostCommon(results, func(r Result) string { return r.Country }),
		Region:  mostCommon(results, func(r Result) string { return r.Region }),
		City:    mostCommon(results, func(r Result) string { return r.City }),
		ISP:     mostCommon(results, func(r Result) string { return r.ISP }),
		ASN:     mostCommon(results, func(r Result) string { return r.ASN }),
	}
	for _, r := range results {
		if r.VPN {
			out.VPN = true
		}
		if out.Lat == 0 && out.Lon == 0 && (r.Lat != 0 || r.Lon != 0) {
			out.Lat, out.Lon = r.Lat, r.Lon
		}
	}
	return out
}

func mostCommon(results []Result, field func(Result) string) string {
	counts := make(map[string]int)
	best, bestN := "-", 0
	for _, r := range results {
		v := strings.TrimSpace(field(r))
		if v == "" || v == "-" {
			continue
		}
		counts[v]++
		if counts[v] > bestN {
			best, bestN = v, counts[v]
		}
	}
	return best
}

// ---- Upstream response shapes ----------------------------------------------

func parseIPWho(body []byte) (Result, bool) {
	var raw struct {
		Success    *bool   `json:"success"`
		City       string  `json:"city"`
		Region     string  `json:"region"`
		Country    string  `json:"country"`
		Latitude   float64 `json:"latitude"`
		Longitude  float64 `json:"longitude"`
		Org        string  `json:"org"`
		Connection struct {
			ISP string `json:"isp"`
			ASN int    `json:"asn"`
		} `json:"connection"`
		Security struct {
			VPN bool `json:"vpn"`
		} `json:"security"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Result{}, false
	}
	if raw.Success != nil && !*raw.Success {
		return Result{}, false
	}
	isp := raw.Connection.ISP
	if isp == "" {
		isp = raw.Org
	}
	asn := ""
	if raw.Connection.ASN != 0 {
		asn = fmt.Sprintf("AS%d", raw.Connection.ASN)
	}
	return Result{
		Country: raw.Country, Region: raw.Region, City: raw.City,
		ISP: isp, ASN: asn, Lat: raw.Latitude, Lon: raw.Longitude,
		VPN: raw.Security.VPN,
	}, true
}

func parseIPAPI(body []byte) (Result, bool) {
	var raw struct {
		Error       *bool   `json:"error"`
		City        string  `json:"city"`
		Region      string  `json:"region"`
		CountryName string  `json:"country_name"`
		Org         string  `json:"org"`
		ASN         string  `json:"asn"`
		Latitude    float64 `json:"latitude"`
		Longitude   float64 `json:"longitude"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Result{}, false
	}
	if raw.Error != nil && *raw.Error {
		return Result{}, false
	}
	return Result{
		Country: raw.CountryName, Region: raw.Region, City: raw.City,
		ISP: raw.Org, ASN: raw.ASN, Lat: raw.Latitude, Lon: raw.Longitude,
	}, true
}

func parseIPInfo(body []byte) (Result, bool) {
	var raw struct {
		City    string `json:"city"`
		Region  string `json:"region"`
		Country string `json:"country"`
		Org     string `json:"org"`
		Loc     string `json:"loc"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return Result{}, false
	}
	if raw.City == "" && raw.Country == "" && raw.Org == "" {
		return Result{}, false
	}
	res := Result{Country: raw.Country, Region: raw.Region, City: raw.City, ISP: raw.Org}
	if parts := strings.SplitN(raw.Loc, ",", 2); len(parts) == 2 {
		fmt.Sscanf(raw.Loc, "%f,%f", &res.Lat, &res.Lon)
	}
	return res, true
}
