package spark

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// ReportIDHeader carries a unique id per delivered report.
const ReportIDHeader = "X-Report-ID"

// Sink delivers a report somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, report Report) error
}

// CallbackSink POSTs reports as JSON to the collector's callback URL.
type CallbackSink struct {
	URL      string
	Client   *http.Client
	Compress bool
}

// Name implements Sink.
func (s *CallbackSink) Name() string {
	return "callback"
}

// Send implements Sink.
func (s *CallbackSink) Send(ctx context.Context, report Report) error {
	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	if s.Compress {
		if body, err = gzipBytes(body); err != nil {
			return fmt.Errorf("compress report: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(ReportIDHeader, uuid.NewString())
	if s.Compress {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := httpClient(s.Client).Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%w %d: %s", ErrUnexpectedStatus, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("drain response body: %w", err)
	}
	return nil
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Publisher is the subset of bus.Bus the bus sink needs.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// BusSink publishes reports to a NATS subject alongside the callback.
type BusSink struct {
	Bus     Publisher
	Subject string
}

// Name implements Sink.
func (s *BusSink) Name() string {
	return "nats"
}

// Send implements Sink.
func (s *BusSink) Send(ctx context.Context, report Report) error {
	if s.Bus == nil {
		return errors.New("bus sink has no publisher")
	}
	if err := s.Bus.Publish(ctx, s.Subject, report); err != nil {
		return fmt.Errorf("publish %s: %w", s.Subject, err)
	}
	return nil
}
