package analyzer

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// ReportType enumerates the supported analysis kinds.
type ReportType string

const (
	ReportTypeDamage        ReportType = "DAMAGE"
	ReportTypePaint         ReportType = "PAINT"
	ReportTypeEngineSound   ReportType = "ENGINE_SOUND"
	ReportTypeFullExpertise ReportType = "FULL_EXPERTISE"
)

var (
	ErrUnknownReportType = errors.New("unknown report type")
	ErrMalformedResult   = errors.New("malformed analyzer result")
)

// ParseReportType validates and normalizes a report type string.
func ParseReportType(raw string) (ReportType, error) {
	switch ReportType(strings.ToUpper(strings.TrimSpace(raw))) {
	case ReportTypeDamage:
		return ReportTypeDamage, nil
	case ReportTypePaint:
		return ReportTypePaint, nil
	case ReportTypeEngineSound:
		return ReportTypeEngineSound, nil
	case ReportTypeFullExpertise:
		return ReportTypeFullExpertise, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownReportType, raw)
}

func (t ReportType) String() string { return string(t) }

// Request carries everything an analysis provider needs: the kind of
// expertise and opaque references to the uploaded media.
type Request struct {
	ReportType ReportType
	InputRefs  []string
}

// Analyzer is the external analysis provider. Implementations may block for
// the full duration of the call; callers bound it with a context deadline.
// The returned payload is unvalidated provider output.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) ([]byte, error)
}

// Cache stores validated results keyed by input fingerprint so identical
// inputs skip the provider entirely.
type Cache interface {
	Lookup(ctx context.Context, fingerprint string) (json.RawMessage, bool, error)
	Store(ctx context.Context, fingerprint string, reportType ReportType, result json.RawMessage) error
}

// Fingerprint derives a stable content hash for an analysis request.
// Input order is irrelevant: the refs point at the same media set.
func Fingerprint(reportType ReportType, inputRefs []string) string {
	refs := make([]string, len(inputRefs))
	copy(refs, inputRefs)
	sort.Strings(refs)

	hasher := sha256.New()
	hasher.Write([]byte(reportType))
	for _, ref := range refs {
		hasher.Write([]byte{0})
		hasher.Write([]byte(ref))
	}
	return hex.EncodeToString(hasher.Sum(nil))
}

// HTTPAnalyzer calls a provider gateway over HTTP. The gateway hides the
// concrete AI vendors; this client only ships the request and returns the
// raw body.
type HTTPAnalyzer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAnalyzer wires an HTTPAnalyzer. A nil client falls back to
// http.DefaultClient; timeouts come from the caller's context.
func NewHTTPAnalyzer(baseURL string, client *http.Client) *HTTPAnalyzer {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAnalyzer{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type analyzeRequestBody struct {
	ReportType string   `json:"report_type"`
	InputRefs  []string `json:"input_refs"`
}

func (a *HTTPAnalyzer) Analyze(ctx context.Context, req Request) ([]byte, error) {
	body, err := json.Marshal(analyzeRequestBody{
		ReportType: req.ReportType.String(),
		InputRefs:  req.InputRefs,
	})
	if err != nil {
		return nil, fmt.Errorf("encode analyze request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/analyze", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("call analyzer: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read analyzer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("analyzer returned status %d", resp.StatusCode)
	}
	return payload, nil
}
