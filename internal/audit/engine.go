// Package audit estimates fair and negotiable values for hospital bills.
//
// The engine asks a generative-language API for an itemized fairness
// analysis and extracts the first JSON object from its reply. When the
// service is unreachable, errors, or returns unusable text, a deterministic
// heuristic produces the result instead. Audit never fails: the caller
// always receives a structurally valid Result.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/healthpay/healthpayd/pkg/circuit"
	"github.com/healthpay/healthpayd/pkg/messaging"
)

// DefaultAPIURL is the Gemini generateContent endpoint.
const DefaultAPIURL = "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent"

// BillFacts is the immutable input to an audit.
type BillFacts struct {
	HospitalName string
	BillAmount   decimal.Decimal
	Description  string
	Procedures   []string
	BillImage    string // base64 or data-URL encoded bill photo, optional
}

// Result is produced once per audit request and never mutated afterwards.
type Result struct {
	IsValid          bool            `json:"isValid"`
	OriginalAmount   decimal.Decimal `json:"originalAmount"`
	AuditedAmount    decimal.Decimal `json:"auditedAmount"`
	NegotiableAmount decimal.Decimal `json:"negotiableAmount"`
	Confidence       int             `json:"confidence"`
	Reasoning        string          `json:"reasoning"`
	Recommendations  []string        `json:"recommendations"`
	FlaggedItems     []string        `json:"flaggedItems"`
}

// Heuristic ratios. The primary path defaults negotiable to 75% of the
// original amount while the fallback uses 80% of the audited amount. The two
// formulas are independent and intentionally not unified.
var (
	auditedRatio            = decimal.RequireFromString("0.9")
	primaryNegotiableRatio  = decimal.RequireFromString("0.75")
	fallbackNegotiableRatio = decimal.RequireFromString("0.8")
)

const (
	defaultConfidence  = 75
	fallbackConfidence = 65
)

// Config holds engine configuration.
type Config struct {
	APIKey  string
	APIURL  string
	Timeout time.Duration
}

// Engine audits bills against an external reasoning service.
type Engine struct {
	apiKey  string
	apiURL  string
	client  *http.Client
	breaker *circuit.Breaker
	events  *messaging.Client
}

// New creates an audit engine. events may be nil.
func New(cfg Config, events *messaging.Client) *Engine {
	url := cfg.APIURL
	if url == "" {
		url = DefaultAPIURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Engine{
		apiKey: cfg.APIKey,
		apiURL: url,
		client: &http.Client{Timeout: timeout},
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "audit-upstream",
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		}),
		events: events,
	}
}

// Configured reports whether the upstream credential is present.
func (e *Engine) Configured() bool {
	return e.apiKey != ""
}

// Audit analyzes the bill and always returns a valid Result. Upstream
// trouble is diagnostic only and resolved by the deterministic fallback.
func (e *Engine) Audit(ctx context.Context, facts BillFacts) Result {
	content, err := e.callUpstream(ctx, facts)
	if err != nil {
		slog.Warn("audit upstream unavailable, using fallback", "error", err)
		return e.finish(ctx, facts, e.fallback(facts), true)
	}

	parsed, err := extractJSON(content)
	if err != nil {
		slog.Warn("audit response unusable, using fallback", "error", err)
		return e.finish(ctx, facts, e.fallback(facts), true)
	}

	return e.finish(ctx, facts, e.normalize(facts, parsed), false)
}

func (e *Engine) finish(ctx context.Context, facts BillFacts, res Result, fallback bool) Result {
	if err := e.events.Publish(ctx, messaging.EventTypeAuditCompleted, messaging.AuditCompletedEvent{
		HospitalName:     facts.HospitalName,
		BillAmount:       facts.BillAmount.String(),
		AuditedAmount:    res.AuditedAmount.String(),
		NegotiableAmount: res.NegotiableAmount.String(),
		Confidence:       res.Confidence,
		Fallback:         fallback,
	}); err != nil {
		slog.Debug("audit event publish failed", "error", err)
	}
	return res
}

// fallback is the deterministic heuristic: 90% of the original, then 80% of
// the audited amount, both rounded to cents.
func (e *Engine) fallback(facts BillFacts) Result {
	audited := facts.BillAmount.Mul(auditedRatio).Round(2)
	negotiable := audited.Mul(fallbackNegotiableRatio).Round(2)

	procedures := "medical procedures"
	if len(facts.Procedures) > 0 {
		procedures = strings.Join(facts.Procedures, ", ")
	}

	return Result{
		IsValid:          true,
		OriginalAmount:   facts.BillAmount,
		AuditedAmount:    audited,
		NegotiableAmount: negotiable,
		Confidence:       fallbackConfidence,
		Reasoning: fmt.Sprintf(
			"Based on market analysis for %s, the fair market value is approximately $%s. Hospital markup appears reasonable.",
			procedures, audited,
		),
		Recommendations: []string{
			"Request itemized bill breakdown",
			"Verify all procedures were performed",
			"Compare with other hospitals in area",
			"Negotiate using audited amount",
		},
		FlaggedItems: []string{},
	}
}

// upstreamResult is the loosely-typed shape the reasoning service returns.
// Every field is optional; normalize fills the gaps.
type upstreamResult struct {
	IsValid          *bool            `json:"isValid"`
	AuditedAmount    *decimal.Decimal `json:"auditedAmount"`
	NegotiableAmount *decimal.Decimal `json:"negotiableAmount"`
	Confidence       *int             `json:"confidence"`
	Reasoning        string           `json:"reasoning"`
	Recommendations  json.RawMessage  `json:"recommendations"`
	FlaggedItems     json.RawMessage  `json:"flaggedItems"`
}

// normalize coerces a parsed upstream result to the canonical shape. The
// audited amount rounds to whole currency units, the negotiable amount to
// cents; defaults are 90% and 75% of the original respectively.
func (e *Engine) normalize(facts BillFacts, parsed upstreamResult) Result {
	audited := facts.BillAmount.Mul(auditedRatio)
	if parsed.AuditedAmount != nil {
		audited = *parsed.AuditedAmount
	}
	negotiable := facts.BillAmount.Mul(primaryNegotiableRatio)
	if parsed.NegotiableAmount != nil {
		negotiable = *parsed.NegotiableAmount
	}
	if audited.IsNegative() {
		audited = decimal.Zero
	}
	if negotiable.IsNegative() {
		negotiable = decimal.Zero
	}

	res := Result{
		IsValid:          true,
		OriginalAmount:   facts.BillAmount,
		AuditedAmount:    audited.Round(0),
		NegotiableAmount: negotiable.Round(2),
		Confidence:       defaultConfidence,
		Reasoning:        "Bill audit completed",
		Recommendations:  stringList(parsed.Recommendations),
		FlaggedItems:     stringList(parsed.FlaggedItems),
	}
	if parsed.IsValid != nil {
		res.IsValid = *parsed.IsValid
	}
	if parsed.Confidence != nil {
		res.Confidence = *parsed.Confidence
	}
	if parsed.Reasoning != "" {
		res.Reasoning = parsed.Reasoning
	}
	return res
}

// stringList coerces a raw JSON value to a string slice; anything that is
// not an array of strings becomes empty.
func stringList(raw json.RawMessage) []string {
	var out []string
	if len(raw) == 0 || json.Unmarshal(raw, &out) != nil || out == nil {
		return []string{}
	}
	return out
}

// extractJSON locates the first well-formed JSON object in free text,
// spanning the first '{' through the last '}'.
func extractJSON(content string) (upstreamResult, error) {
	var parsed upstreamResult

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end <= start {
		return parsed, fmt.Errorf("no JSON object in response")
	}

	if err := json.Unmarshal([]byte(content[start:end+1]), &parsed); err != nil {
		return parsed, fmt.Errorf("malformed JSON in response: %w", err)
	}
	return parsed, nil
}

func (e *Engine) callUpstream(ctx context.Context, facts BillFacts) (string, error) {
	body, err := json.Marshal(e.buildRequest(facts))
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	var content string
	err = e.breaker.Execute(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL+"?key="+e.apiKey, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := e.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("upstream status %d", resp.StatusCode)
		}

		var gr generateResponse
		if err := json.Unmarshal(raw, &gr); err != nil {
			return fmt.Errorf("decode upstream response: %w", err)
		}
		content = gr.text()
		if content == "" {
			return fmt.Errorf("no content in upstream response")
		}
		return nil
	})
	return content, err
}

// Request/response wire shapes for the generative-language API.

type generateRequest struct {
	Contents         []generateContent `json:"contents"`
	GenerationConfig generationConfig  `json:"generationConfig"`
}

type generateContent struct {
	Parts []generatePart `json:"parts"`
}

type generatePart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	TopK            int     `json:"topK"`
	TopP            float64 `json:"topP"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

func (r generateResponse) text() string {
	if len(r.Candidates) == 0 || len(r.Candidates[0].Content.Parts) == 0 {
		return ""
	}
	return r.Candidates[0].Content.Parts[0].Text
}

func (e *Engine) buildRequest(facts BillFacts) generateRequest {
	parts := []generatePart{{Text: e.buildPrompt(facts)}}

	if facts.BillImage != "" {
		data := facts.BillImage
		if idx := strings.Index(data, ","); idx != -1 {
			data = data[idx+1:] // strip data-URL prefix
		}
		parts = append(parts, generatePart{InlineData: &inlineData{
			MimeType: "image/jpeg",
			Data:     data,
		}})
	}

	return generateRequest{
		Contents: []generateContent{{Parts: parts}},
		GenerationConfig: generationConfig{
			Temperature:     0.3,
			TopK:            40,
			TopP:            0.95,
			MaxOutputTokens: 1024,
		},
	}
}

func (e *Engine) buildPrompt(facts BillFacts) string {
	var b strings.Builder
	b.WriteString("You are an expert healthcare billing auditor. Analyze this medical bill CAREFULLY.\n\n")
	b.WriteString("BILL DETAILS:\n")
	fmt.Fprintf(&b, "- Hospital: %s\n", facts.HospitalName)
	fmt.Fprintf(&b, "- Original Amount: $%s\n", facts.BillAmount)
	fmt.Fprintf(&b, "- Description: %s\n", facts.Description)
	if len(facts.Procedures) > 0 {
		fmt.Fprintf(&b, "- Procedures: %s\n", strings.Join(facts.Procedures, ", "))
	}
	fmt.Fprintf(&b, `
RESPOND ONLY WITH VALID JSON, NO OTHER TEXT:
{
  "isValid": true,
  "auditedAmount": %s,
  "negotiableAmount": %s,
  "confidence": 85,
  "reasoning": "Fair market value analysis based on procedures and market rates",
  "recommendations": ["Request itemized breakdown", "Verify procedures performed", "Compare with other hospitals"],
  "flaggedItems": []
}`,
		facts.BillAmount.Mul(auditedRatio).Round(0),
		facts.BillAmount.Mul(primaryNegotiableRatio).Round(0),
	)
	return b.String()
}
