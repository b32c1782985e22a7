package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/example/ride-tracking/internal/models"
	"github.com/example/ride-tracking/internal/route"
)

// APIError is a non-2xx reply from the booking API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api %d %s: %s", e.Status, e.Code, e.Message)
}

// error codes the driver cares about
var codeErrors = map[string]error{
	"vehicle_unavailable":      ErrVehicleUnavailable,
	"active_route_in_progress": ErrActiveRouteInProgress,
	"no_queued_rides":          ErrNoQueuedRides,
	"no_vehicle":               ErrNotAssigned,
}

// APIClient talks to the booking REST API with a bearer token.
type APIClient struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

func NewAPIClient(baseURL, token string, timeout time.Duration) *APIClient {
	return &APIClient{BaseURL: baseURL, Token: token, Client: &http.Client{Timeout: timeout}}
}

func (c *APIClient) AssignVehicle(ctx context.Context, plate string) error {
	return c.do(ctx, http.MethodPost, "/driver/assign_vehicle", map[string]string{"licence_number": plate}, nil)
}

func (c *APIClient) UnassignVehicle(ctx context.Context, plate string) error {
	return c.do(ctx, http.MethodPost, "/driver/unassign_vehicle", map[string]string{"licence_number": plate}, nil)
}

// StartRoute reads the assignment out of the {route:[profit, assignment, 0]} reply.
func (c *APIClient) StartRoute(ctx context.Context, loc models.Coord) (models.Assignment, error) {
	var out struct {
		Route []json.RawMessage `json:"route"`
	}
	if err := c.do(ctx, http.MethodPost, "/route/start", map[string]float64{"lat": loc.Lat, "lng": loc.Lon}, &out); err != nil {
		return models.Assignment{}, err
	}
	if len(out.Route) < 2 {
		return models.Assignment{}, errors.New("route start: malformed reply")
	}
	var a models.Assignment
	if err := json.Unmarshal(out.Route[1], &a); err != nil {
		return models.Assignment{}, fmt.Errorf("route start: %w", err)
	}
	return a, nil
}

func (c *APIClient) EndRoute(ctx context.Context, rideID string) error {
	return c.do(ctx, http.MethodPost, "/route/end", map[string]string{"ride_id": rideID}, nil)
}

// Directions returns the decoded path between two points.
func (c *APIClient) Directions(ctx context.Context, from, to models.Coord) ([]models.Coord, error) {
	q := url.Values{}
	q.Set("origin", route.FormatCoord(from))
	q.Set("destination", route.FormatCoord(to))
	var out struct {
		Path []models.Coord `json:"path"`
	}
	if err := c.do(ctx, http.MethodGet, "/directions?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Path, nil
}

func (c *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if sentinel, ok := codeErrors[e.Code]; ok {
			return sentinel
		}
		return &APIError{Status: resp.StatusCode, Code: e.Code, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
