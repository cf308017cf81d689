package als

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/logger"
)

const (
	// DefaultURL is the location service endpoint
	DefaultURL = "https://gs-loc.apple.com/clls/wloc"
	// DefaultTimeout bounds one lookup
	DefaultTimeout = 30 * time.Second

	defaultUserAgent = "locationd/2420.8.11 CFNetwork/1206 Darwin/20.1.0"
	defaultLocale    = "en_US"
	defaultService   = "com.apple.locationd"
	defaultOSVersion = "14.2.1.18B121"

	maxResponseSize = 4 << 20
)

// Lookup errors. ErrNetwork and ErrBadStatus are transient.
var (
	ErrEncoding  = errors.New("als: encoding failed")
	ErrNetwork   = errors.New("als: network error")
	ErrBadStatus = errors.New("als: bad status")
	ErrDecoding  = errors.New("als: decoding failed")
)

// IsTransient reports whether a lookup failure is worth retrying
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrBadStatus)
}

// Candidate is a cell as known to the location service
type Candidate struct {
	cell.Identity

	Latitude     float64
	Longitude    float64
	Accuracy     int64 // meters
	Reach        int64 // meters
	Score        int64
	Frequency    int32
	PhysicalCell int32
}

// Valid reports whether the service supplied a usable location
func (c Candidate) Valid() bool {
	return c.Accuracy > 0
}

// HasCellID is false for area level approximations
func (c Candidate) HasCellID() bool {
	return c.Cell >= 0
}

// Matches compares the candidate with a cell identity, mapping technologies
// the service files under another name
func (c Candidate) Matches(id cell.Identity) bool {
	return c.Technology == id.Technology.LocationTechnology() &&
		c.Country == id.Country && c.Network == id.Network &&
		c.Area == id.Area && c.Cell == id.Cell
}

// Config holds client settings. Zero values fall back to defaults.
type Config struct {
	URL       string
	Locale    string
	Service   string
	OSVersion string
	UserAgent string
	Timeout   time.Duration
}

// Client queries the location service
type Client struct {
	cfg    Config
	client *http.Client
	logger *logger.Logger
}

// NewClient creates a location service client
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Locale == "" {
		cfg.Locale = defaultLocale
	}
	if cfg.Service == "" {
		cfg.Service = defaultService
	}
	if cfg.OSVersion == "" {
		cfg.OSVersion = defaultOSVersion
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: log.WithComponent("als"),
	}
}

// Lookup asks the service about one cell and returns the cells it answers
// with. Candidates without a concrete cell id are dropped.
func (c *Client) Lookup(ctx context.Context, id cell.Identity) ([]Candidate, error) {
	request, err := marshalRequest(id)
	if err != nil {
		return nil, err
	}
	body, err := buildBody(c.cfg.Locale, c.cfg.Service, c.cfg.OSVersion, request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-us")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", logger.Error(err))
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if len(data) < responsePreamble {
		return nil, fmt.Errorf("%w: response of %d bytes", ErrDecoding, len(data))
	}

	all, err := unmarshalResponse(data[responsePreamble:])
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(all))
	for _, cand := range all {
		if cand.HasCellID() {
			candidates = append(candidates, cand)
		}
	}

	c.logger.Debug("Location lookup complete",
		logger.String("cell", id.String()),
		logger.Int("received", len(all)),
		logger.Int("precise", len(candidates)),
		logger.Duration("duration", time.Since(start)))

	return candidates, nil
}
