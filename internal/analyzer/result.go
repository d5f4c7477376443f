package analyzer

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// PanelFinding describes one body panel in a damage assessment.
type PanelFinding struct {
	Panel     string `json:"panel"`
	Condition string `json:"condition"`
	Note      string `json:"note,omitempty"`
}

// DamageResult is the strict schema for DAMAGE reports.
type DamageResult struct {
	Severity string         `json:"severity"`
	Panels   []PanelFinding `json:"panels"`
	Summary  string         `json:"summary"`
}

// PaintPanel describes the paint state of one body panel.
type PaintPanel struct {
	Panel            string  `json:"panel"`
	Status           string  `json:"status"`
	ThicknessMicrons float64 `json:"thickness_microns,omitempty"`
}

// PaintResult is the strict schema for PAINT reports.
type PaintResult struct {
	Panels  []PaintPanel `json:"panels"`
	Summary string       `json:"summary"`
}

// EngineSoundResult is the strict schema for ENGINE_SOUND reports.
type EngineSoundResult struct {
	Verdict   string   `json:"verdict"`
	Anomalies []string `json:"anomalies,omitempty"`
	Summary   string   `json:"summary"`
}

// FullExpertiseResult combines the individual assessments with an overall
// score.
type FullExpertiseResult struct {
	Damage       *DamageResult      `json:"damage,omitempty"`
	Paint        *PaintResult       `json:"paint,omitempty"`
	EngineSound  *EngineSoundResult `json:"engine_sound,omitempty"`
	OverallScore int                `json:"overall_score"`
	Summary      string             `json:"summary"`
}

// Result is the tagged union of all report payloads. Exactly one variant is
// set, matching Type.
type Result struct {
	Type          ReportType           `json:"report_type"`
	Damage        *DamageResult        `json:"damage,omitempty"`
	Paint         *PaintResult         `json:"paint,omitempty"`
	EngineSound   *EngineSoundResult   `json:"engine_sound,omitempty"`
	FullExpertise *FullExpertiseResult `json:"full_expertise,omitempty"`
}

// ParseResult validates raw provider output against the schema for the
// given report type. Anything that does not decode strictly, or decodes to
// an empty assessment, is ErrMalformedResult: providers must produce the
// internal schema or fail, never a partial shape.
func ParseResult(reportType ReportType, raw []byte) (Result, error) {
	result := Result{Type: reportType}
	switch reportType {
	case ReportTypeDamage:
		var payload DamageResult
		if err := strictDecode(raw, &payload); err != nil {
			return Result{}, err
		}
		if payload.Severity == "" || payload.Summary == "" {
			return Result{}, fmt.Errorf("%w: damage result missing severity or summary", ErrMalformedResult)
		}
		result.Damage = &payload
	case ReportTypePaint:
		var payload PaintResult
		if err := strictDecode(raw, &payload); err != nil {
			return Result{}, err
		}
		if len(payload.Panels) == 0 || payload.Summary == "" {
			return Result{}, fmt.Errorf("%w: paint result missing panels or summary", ErrMalformedResult)
		}
		result.Paint = &payload
	case ReportTypeEngineSound:
		var payload EngineSoundResult
		if err := strictDecode(raw, &payload); err != nil {
			return Result{}, err
		}
		if payload.Verdict == "" || payload.Summary == "" {
			return Result{}, fmt.Errorf("%w: engine sound result missing verdict or summary", ErrMalformedResult)
		}
		result.EngineSound = &payload
	case ReportTypeFullExpertise:
		var payload FullExpertiseResult
		if err := strictDecode(raw, &payload); err != nil {
			return Result{}, err
		}
		if payload.Summary == "" {
			return Result{}, fmt.Errorf("%w: full expertise result missing summary", ErrMalformedResult)
		}
		if payload.Damage == nil && payload.Paint == nil && payload.EngineSound == nil {
			return Result{}, fmt.Errorf("%w: full expertise result carries no assessments", ErrMalformedResult)
		}
		result.FullExpertise = &payload
	default:
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownReportType, reportType)
	}
	return result, nil
}

// Payload serializes the result for storage.
func (r Result) Payload() (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return data, nil
}

func strictDecode(raw []byte, target any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if decoder.More() {
		return fmt.Errorf("%w: trailing data", ErrMalformedResult)
	}
	return nil
}
