package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/datapipe/api/internal/config"
	"github.com/datapipe/api/internal/model"
)

// Scraper runs web-scrape executions.
type Scraper interface {
	Run(ctx context.Context, params *model.ScrapeParameters) (*Result, error)
	IsConfigured() bool
}

// HTTPScraper calls the scraping service. When unconfigured it produces a
// deterministic mock result so the pipeline works end-to-end in development.
type HTTPScraper struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewScraper(cfg *config.ScraperConfig) *HTTPScraper {
	return &HTTPScraper{
		httpClient: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		baseURL:    cfg.ServiceURL,
		apiKey:     cfg.APIKey,
	}
}

func (s *HTTPScraper) IsConfigured() bool {
	return s.baseURL != ""
}

type scrapeServiceResponse struct {
	Artifacts []struct {
		Name        string            `json:"name"`
		ContentType string            `json:"contentType"`
		Data        []byte            `json:"data"`
		Metadata    map[string]string `json:"metadata"`
	} `json:"artifacts"`
	Error string `json:"error,omitempty"`
}

func (s *HTTPScraper) Run(ctx context.Context, params *model.ScrapeParameters) (*Result, error) {
	if !s.IsConfigured() {
		return s.mockRun(params), nil
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal scrape request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/scrape", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// Transport failure: the target may recover.
		return &Result{Hint: HintRetryable, ErrDetail: err.Error()}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return &Result{Hint: HintRetryable, ErrDetail: fmt.Sprintf("scrape service returned %d", resp.StatusCode)}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &Result{Hint: HintTerminal, ErrDetail: "scrape service rejected credentials"}, nil
	case resp.StatusCode >= 400:
		return &Result{Hint: HintTerminal, ErrDetail: fmt.Sprintf("scrape service returned %d", resp.StatusCode)}, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Result{Hint: HintRetryable, ErrDetail: err.Error()}, nil
	}

	var svcResp scrapeServiceResponse
	if err := json.Unmarshal(data, &svcResp); err != nil {
		return &Result{Hint: HintTerminal, ErrDetail: "malformed scrape service response"}, nil
	}

	result := &Result{Hint: HintOK}
	for _, a := range svcResp.Artifacts {
		md := a.Metadata
		if md == nil {
			md = map[string]string{}
		}
		if _, ok := md["source_url"]; !ok {
			md["source_url"] = params.URL
		}
		result.Artifacts = append(result.Artifacts, ResultArtifact{
			Name:        a.Name,
			ContentType: a.ContentType,
			Body:        a.Data,
			Metadata:    md,
		})
	}
	return result, nil
}

// mockRun emits one JSON document per run, keyed by the requested URL.
func (s *HTTPScraper) mockRun(params *model.ScrapeParameters) *Result {
	doc := map[string]any{
		"url":      params.URL,
		"title":    "Scraped page",
		"maxDepth": params.MaxDepth,
		"fields":   params.Selectors,
	}
	body, _ := json.Marshal(doc)
	return &Result{
		Hint: HintOK,
		Artifacts: []ResultArtifact{{
			Name:        "page.json",
			ContentType: "application/json",
			Body:        body,
			Metadata:    map[string]string{"source_url": params.URL},
		}},
	}
}
