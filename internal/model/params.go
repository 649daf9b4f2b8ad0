package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Parameters is the kind-specific payload of a job, a tagged union validated
// at the intake boundary so everything downstream works on typed values.
type Parameters struct {
	Scrape *ScrapeParameters `json:"scrape,omitempty"`
	OCR    *OCRParameters    `json:"ocr,omitempty"`
}

// ScrapeParameters configures a web-scrape run.
type ScrapeParameters struct {
	URL       string            `json:"url" validate:"required,url"`
	Selectors map[string]string `json:"selectors,omitempty"`
	MaxDepth  int               `json:"maxDepth,omitempty" validate:"min=0,max=10"`
	UserAgent string            `json:"userAgent,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// OCRParameters configures an OCR run over a stored document.
type OCRParameters struct {
	DocumentURI string `json:"documentUri" validate:"required"`
	Language    string `json:"language,omitempty" validate:"omitempty,len=2"`
	DPI         int    `json:"dpi,omitempty" validate:"omitempty,min=72,max=1200"`
	PageStart   int    `json:"pageStart,omitempty" validate:"min=0"`
	PageEnd     int    `json:"pageEnd,omitempty" validate:"min=0,gtefield=PageStart"`
}

// ForKind returns the variant matching kind, or an error when the wrong (or
// no) variant is populated.
func (p Parameters) ForKind(kind JobKind) (any, error) {
	switch kind {
	case KindScrape:
		if p.Scrape == nil {
			return nil, fmt.Errorf("missing scrape parameters")
		}
		if p.OCR != nil {
			return nil, fmt.Errorf("ocr parameters not allowed on a scrape job")
		}
		return p.Scrape, nil
	case KindOCR:
		if p.OCR == nil {
			return nil, fmt.Errorf("missing ocr parameters")
		}
		if p.Scrape != nil {
			return nil, fmt.Errorf("scrape parameters not allowed on an ocr job")
		}
		return p.OCR, nil
	}
	return nil, fmt.Errorf("unknown job kind %q", kind)
}

// ConfigHash computes the stable digest used for idempotent submission:
// sha256 over the kind and the canonical (key-sorted) JSON encoding of the
// parameters.
func ConfigHash(kind JobKind, p Parameters) string {
	raw, _ := json.Marshal(p)
	var generic any
	_ = json.Unmarshal(raw, &generic)
	var b strings.Builder
	b.WriteString(string(kind))
	b.WriteByte('|')
	writeCanonical(&b, generic)
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func writeCanonical(b *strings.Builder, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte(':')
			writeCanonical(b, t[k])
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, e)
		}
		b.WriteByte(']')
	default:
		enc, _ := json.Marshal(t)
		b.Write(enc)
	}
}
