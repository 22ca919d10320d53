package spark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxStatusBody = 4 << 20

// ClusterStatus is the cluster manager's status document, passed through
// without schema checks.
type ClusterStatus map[string]any

// StatusSource produces one status snapshot per cycle.
type StatusSource interface {
	Fetch(ctx context.Context) (ClusterStatus, error)
}

// IdleStatus is reported in single-node mode when no application is running.
func IdleStatus() ClusterStatus {
	return ClusterStatus{
		"url":              "spark://localhost:7077",
		"workers":          []any{},
		"aliveworkers":     0,
		"cores":            0,
		"coresused":        0,
		"memory":           0,
		"memoryused":       0,
		"activeapps":       []any{},
		"completedapps":    []any{},
		"activedrivers":    []any{},
		"completeddrivers": []any{},
		"status":           "ALIVE",
	}
}

// RunningStatus is reported in single-node mode while the local application
// answers its status endpoint.
func RunningStatus() ClusterStatus {
	status := IdleStatus()
	status["activeapps"] = []any{
		map[string]any{
			"id":             "app-local",
			"starttime":      0,
			"name":           "allspark-local",
			"cores":          1,
			"user":           "allspark",
			"memoryperslave": 1024,
			"submitdate":     "",
			"state":          "WAITING",
			"duration":       0,
		},
	}
	return status
}

// MasterSource reads the status document of a multi-worker cluster manager.
type MasterSource struct {
	URL    string
	Client *http.Client
}

// Fetch GETs the cluster manager status endpoint and decodes its JSON body.
func (s *MasterSource) Fetch(ctx context.Context) (ClusterStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, &CycleError{Stage: StageFetch, Target: s.URL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient(s.Client).Do(req)
	if err != nil {
		return nil, &CycleError{Stage: StageFetch, Target: s.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxStatusBody))
		return nil, &CycleError{Stage: StageFetch, Target: s.URL, Err: fmt.Errorf("%w %d", ErrUnexpectedStatus, resp.StatusCode)}
	}

	status, err := decodeStatus(io.LimitReader(resp.Body, maxStatusBody))
	if err != nil {
		return nil, &CycleError{Stage: StageDecode, Target: s.URL, Err: err}
	}
	if status == nil {
		return nil, &CycleError{Stage: StageDecode, Target: s.URL, Err: errors.New("empty status document")}
	}
	return status, nil
}

// decodeStatus reads exactly one JSON document from r. Numbers stay
// json.Number so they are re-encoded unchanged.
func decodeStatus(r io.Reader) (ClusterStatus, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var status ClusterStatus
	if err := dec.Decode(&status); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errors.New("unexpected data after status document")
	}
	return status, nil
}

// LocalSource infers status from the local application's REST endpoint when
// no cluster manager runs. Only the response code matters.
type LocalSource struct {
	URL    string
	Client *http.Client
}

// Fetch never fails: any request error reads as an idle node.
func (s *LocalSource) Fetch(ctx context.Context) (ClusterStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return IdleStatus(), nil
	}

	resp, err := httpClient(s.Client).Do(req)
	if err != nil {
		return IdleStatus(), nil
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxStatusBody))

	if resp.StatusCode == http.StatusOK {
		return RunningStatus(), nil
	}
	return IdleStatus(), nil
}

func httpClient(c *http.Client) *http.Client {
	if c == nil {
		return http.DefaultClient
	}
	return c
}
