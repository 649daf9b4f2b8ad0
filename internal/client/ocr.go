package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/datapipe/api/internal/config"
	"github.com/datapipe/api/internal/model"
)

// OCREngine processes documents into text artifacts.
type OCREngine interface {
	Process(ctx context.Context, params *model.OCRParameters) (*Result, error)
	IsConfigured() bool
}

// HTTPOCREngine calls the OCR service, with a mock fallback when
// unconfigured.
type HTTPOCREngine struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

func NewOCREngine(cfg *config.OCRConfig) *HTTPOCREngine {
	return &HTTPOCREngine{
		httpClient: &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		baseURL:    cfg.ServiceURL,
		apiKey:     cfg.APIKey,
	}
}

func (e *HTTPOCREngine) IsConfigured() bool {
	return e.baseURL != ""
}

type ocrServiceResponse struct {
	Pages []struct {
		Number     int     `json:"number"`
		Text       string  `json:"text"`
		Confidence float64 `json:"confidence"`
	} `json:"pages"`
	Language string `json:"language"`
	Error    string `json:"error,omitempty"`
}

func (e *HTTPOCREngine) Process(ctx context.Context, params *model.OCRParameters) (*Result, error) {
	if !e.IsConfigured() {
		return e.mockProcess(params), nil
	}

	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ocr request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/ocr", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return &Result{Hint: HintRetryable, ErrDetail: err.Error()}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return &Result{Hint: HintRetryable, ErrDetail: fmt.Sprintf("ocr service returned %d", resp.StatusCode)}, nil
	case resp.StatusCode == http.StatusUnprocessableEntity:
		// The engine could not read the document; retrying cannot help.
		return &Result{Hint: HintTerminal, ErrDetail: "document is not OCR-able"}, nil
	case resp.StatusCode >= 400:
		return &Result{Hint: HintTerminal, ErrDetail: fmt.Sprintf("ocr service returned %d", resp.StatusCode)}, nil
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &Result{Hint: HintRetryable, ErrDetail: err.Error()}, nil
	}

	var svcResp ocrServiceResponse
	if err := json.Unmarshal(data, &svcResp); err != nil {
		return &Result{Hint: HintTerminal, ErrDetail: "malformed ocr service response"}, nil
	}

	var text bytes.Buffer
	var confidence float64
	for _, p := range svcResp.Pages {
		text.WriteString(p.Text)
		text.WriteByte('\n')
		confidence += p.Confidence
	}
	if n := len(svcResp.Pages); n > 0 {
		confidence /= float64(n)
	}

	return &Result{
		Hint: HintOK,
		Artifacts: []ResultArtifact{{
			Name:        "document.txt",
			ContentType: "text/plain; charset=utf-8",
			Body:        text.Bytes(),
			Metadata: map[string]string{
				"page_count":     strconv.Itoa(len(svcResp.Pages)),
				"language":       svcResp.Language,
				"ocr_confidence": strconv.FormatFloat(confidence, 'f', 3, 64),
			},
		}},
	}, nil
}

func (e *HTTPOCREngine) mockProcess(params *model.OCRParameters) *Result {
	lang := params.Language
	if lang == "" {
		lang = "en"
	}
	pages := params.PageEnd - params.PageStart + 1
	if pages < 1 {
		pages = 1
	}
	var text bytes.Buffer
	for i := 0; i < pages; i++ {
		fmt.Fprintf(&text, "Recognized text for page %d of %s\n", i+1, params.DocumentURI)
	}
	return &Result{
		Hint: HintOK,
		Artifacts: []ResultArtifact{{
			Name:        "document.txt",
			ContentType: "text/plain; charset=utf-8",
			Body:        text.Bytes(),
			Metadata: map[string]string{
				"page_count":     strconv.Itoa(pages),
				"language":       lang,
				"ocr_confidence": "0.950",
			},
		}},
	}
}
