package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"librarydesk/internal/circulation"
)

// ScanError is a rejected borrow or return as reported by the server.
type ScanError struct {
	StatusCode int
	Kind       circulation.ErrorKind
	Message    string
}

func (e *ScanError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s rejection: %s", e.Kind, e.Message)
}

// CirculationClient drives the scan endpoints of a librarydesk server.
type CirculationClient struct {
	baseURL string
	http    *http.Client
}

func NewCirculationClient(baseURL string) *CirculationClient {
	return &CirculationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *CirculationClient) Borrow(ctx context.Context, memberCode, copyCode string) (*circulation.ScanResponse, error) {
	return c.scan(ctx, "/borrow", http.StatusCreated, circulation.BorrowRequest{
		MemberCode: memberCode,
		CopyCode:   copyCode,
	})
}

func (c *CirculationClient) Return(ctx context.Context, copyCode string) (*circulation.ScanResponse, error) {
	return c.scan(ctx, "/return", http.StatusOK, circulation.ReturnRequest{CopyCode: copyCode})
}

// Sweep triggers an overdue sweep and reports how many loans became overdue.
func (c *CirculationClient) Sweep(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/sweep", nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var out struct {
		Transitioned int `json:"transitioned"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	return out.Transitioned, nil
}

func (c *CirculationClient) scan(ctx context.Context, path string, want int, payload interface{}) (*circulation.ScanResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return nil, decodeScanError(resp)
	}

	var out circulation.ScanResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// decodeScanError reads either a typed ScanResponse or a plain-text error body.
func decodeScanError(resp *http.Response) error {
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)

	scanErr := &ScanError{StatusCode: resp.StatusCode}
	var out circulation.ScanResponse
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") && json.Unmarshal(buf.Bytes(), &out) == nil {
		scanErr.Kind = out.Kind
		scanErr.Message = out.Message
		return scanErr
	}
	scanErr.Message = strings.TrimSpace(buf.String())
	return scanErr
}
