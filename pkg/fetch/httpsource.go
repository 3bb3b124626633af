package fetch

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/bstolman1/ledger-archiver/pkg/errkind"
)

// HTTPSource is the default LedgerSource: a generic, minimal JSON-over-HTTP
// client for the paginated historical endpoint. Its wire format is
// intentionally not a faithful reproduction of any real ledger API — only
// enough shape to exercise the fetcher's retry and pagination logic.
// TLS is secure by default; InsecureSkipVerify exists only for controlled
// test environments, matching the object store's same escape hatch.
type HTTPSource struct {
	BaseURL     string
	AuthToken   string
	Client      *http.Client
	InsecureTLS bool
}

// NewHTTPSource builds an HTTPSource with a sane request timeout and,
// unless insecureTLS is set, standard certificate verification.
func NewHTTPSource(baseURL, authToken string, insecureTLS bool) *HTTPSource {
	transport := &http.Transport{}
	if insecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &HTTPSource{
		BaseURL:   baseURL,
		AuthToken: authToken,
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
		InsecureTLS: insecureTLS,
	}
}

type httpPageResponse struct {
	Rows           []json.RawMessage `json:"rows"`
	EarliestRecord string            `json:"earliest_record_time"`
}

// FetchPage queries the historical endpoint with ?before=...&at_or_after=...
// and decodes the JSON response into a Page.
func (s *HTTPSource) FetchPage(ctx context.Context, before, atOrAfter time.Time) (Page, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return Page{}, &errkind.ConfigError{Field: "base_url", Msg: err.Error()}
	}

	q := u.Query()
	q.Set("before", strconv.FormatInt(before.UnixMilli(), 10))
	q.Set("at_or_after", strconv.FormatInt(atOrAfter.UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Page{}, fmt.Errorf("build fetch request: %w", err)
	}
	if s.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.AuthToken)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return Page{}, &errkind.TransientNetworkError{Op: "fetch_page", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := make([]byte, 512)
		n, _ := resp.Body.Read(body)
		return Page{}, &errkind.PermanentHttpError{StatusCode: resp.StatusCode, Body: string(body[:n])}
	}

	var decoded httpPageResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Page{}, fmt.Errorf("decode fetch response: %w", err)
	}

	var next time.Time
	if decoded.EarliestRecord != "" {
		next, err = time.Parse(time.RFC3339Nano, decoded.EarliestRecord)
		if err != nil {
			return Page{}, fmt.Errorf("parse earliest_record_time %q: %w", decoded.EarliestRecord, err)
		}
	} else {
		next = before
	}

	return Page{Rows: decoded.Rows, NextBefore: next.UTC()}, nil
}
