package route

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/observability"
)

var (
	// ErrNoRouteFound means the provider answered but had no route between the points.
	ErrNoRouteFound = errors.New("no route found")
	// ErrUpstreamUnreachable covers transport failures and throttling; safe to retry.
	ErrUpstreamUnreachable = errors.New("directions provider unreachable")
	// ErrProviderRejected is a non-retryable refusal such as a bad API key.
	ErrProviderRejected = errors.New("directions request rejected")
)

type httpStatusError struct {
	Code int
	Body string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("Code %d: %s", e.Code, e.Body)
}

// DirectionsClient performs route lookups against a Google-style directions API.
type DirectionsClient struct {
	Endpoint       string
	APIKey         string
	Client         *http.Client
	CentsPerMinute float64
	MaxAttempts    int
	Backoff        time.Duration

	now func() time.Time
}

func NewDirectionsClient(endpoint, apiKey string, timeout time.Duration, centsPerMinute float64) *DirectionsClient {
	return &DirectionsClient{
		Endpoint:       strings.TrimRight(endpoint, "/"),
		APIKey:         apiKey,
		Client:         &http.Client{Timeout: timeout},
		CentsPerMinute: centsPerMinute,
		MaxAttempts:    3,
		Backoff:        200 * time.Millisecond,
		now:            time.Now,
	}
}

type directionsResponse struct {
	Status string `json:"status"`
	Routes []struct {
		OverviewPolyline struct {
			Points string `json:"points"`
		} `json:"overview_polyline"`
		Legs []struct {
			Duration struct {
				Value float64 `json:"value"`
			} `json:"duration"`
		} `json:"legs"`
	} `json:"routes"`
	ErrorMessage string `json:"error_message"`
}

// Resolve fetches a live route between two points and returns the decoded
// path with its duration and price. Results are never cached.
func (d *DirectionsClient) Resolve(ctx context.Context, from, to models.Coord) (models.RouteEstimate, error) {
	start := time.Now()
	est, err := d.resolve(ctx, from, to)
	observability.DirectionsLatency.WithLabelValues(outcome(err)).Observe(time.Since(start).Seconds())
	return est, err
}

func (d *DirectionsClient) resolve(ctx context.Context, from, to models.Coord) (models.RouteEstimate, error) {
	resp, err := d.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, d.routeURL(from, to), http.NoBody)
	})
	if err != nil {
		return models.RouteEstimate{}, err
	}
	defer resp.Body.Close()

	var out directionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.RouteEstimate{}, fmt.Errorf("%w: decode response: %v", ErrUpstreamUnreachable, err)
	}
	switch out.Status {
	case "", "OK":
	case "ZERO_RESULTS", "NOT_FOUND":
		return models.RouteEstimate{}, ErrNoRouteFound
	case "OVER_QUERY_LIMIT", "UNKNOWN_ERROR":
		return models.RouteEstimate{}, fmt.Errorf("%w: status %s", ErrUpstreamUnreachable, out.Status)
	default:
		return models.RouteEstimate{}, fmt.Errorf("%w: status %s %s", ErrProviderRejected, out.Status, out.ErrorMessage)
	}
	if len(out.Routes) == 0 {
		return models.RouteEstimate{}, ErrNoRouteFound
	}

	r := out.Routes[0]
	path, err := Decode(r.OverviewPolyline.Points)
	if err != nil {
		return models.RouteEstimate{}, fmt.Errorf("overview polyline: %w", err)
	}
	var seconds float64
	for _, leg := range r.Legs {
		seconds += leg.Duration.Value
	}
	minutes := seconds / 60.0
	return models.RouteEstimate{
		Path:            path,
		Polyline:        r.OverviewPolyline.Points,
		DurationMinutes: minutes,
		PriceCents:      PriceCents(minutes, d.CentsPerMinute),
	}, nil
}

// routeURL carries a millisecond timestamp so intermediaries never serve a
// cached answer for an identical origin/destination pair.
func (d *DirectionsClient) routeURL(from, to models.Coord) string {
	q := url.Values{}
	q.Set("origin", FormatCoord(from))
	q.Set("destination", FormatCoord(to))
	q.Set("departure_time", "now")
	q.Set("t", strconv.FormatInt(d.clock().UnixMilli(), 10))
	if d.APIKey != "" {
		q.Set("key", d.APIKey)
	}
	return d.Endpoint + "/maps/api/directions/json?" + q.Encode()
}

func (d *DirectionsClient) clock() time.Time {
	if d.now == nil {
		return time.Now()
	}
	return d.now()
}

func (d *DirectionsClient) do(req *http.Request) (*http.Response, error) {
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &httpStatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// doWithRetry retries transient failures (network errors, 429 and 5xx)
// with exponential backoff while respecting context cancellation.
func (d *DirectionsClient) doWithRetry(ctx context.Context, makeReq func() (*http.Request, error)) (*http.Response, error) {
	attempts := d.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := d.Backoff

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, err)
		}
		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("make request: %w", err)
		}
		resp, err := d.do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retry := false
		var he *httpStatusError
		if errors.As(err, &he) {
			switch he.Code {
			case 429, 500, 502, 503, 504:
				retry = true
			default:
				return nil, fmt.Errorf("%w: %v", ErrProviderRejected, err)
			}
		}
		var netErr net.Error
		if !retry && errors.As(err, &netErr) {
			retry = true
		}
		if !retry && he == nil {
			// dial failures and resets surface as *url.Error wrapping non-net errors
			retry = true
		}
		if !retry || attempt == attempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, ctx.Err())
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("%w: %v", ErrUpstreamUnreachable, lastErr)
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNoRouteFound):
		return "no_route"
	case errors.Is(err, ErrUpstreamUnreachable):
		return "unreachable"
	default:
		return "error"
	}
}
