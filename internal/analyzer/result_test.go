package analyzer

import (
	"errors"
	"testing"
)

func TestParseReportTypeNormalizes(t *testing.T) {
	t.Parallel()
	parsed, err := ParseReportType(" damage ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != ReportTypeDamage {
		t.Fatalf("expected DAMAGE, got %s", parsed)
	}
}

func TestParseReportTypeRejectsUnknown(t *testing.T) {
	t.Parallel()
	if _, err := ParseReportType("TELEPATHY"); !errors.Is(err, ErrUnknownReportType) {
		t.Fatalf("expected ErrUnknownReportType, got %v", err)
	}
}

func TestParseResultDamage(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"severity":"moderate","panels":[{"panel":"front_bumper","condition":"scratched"}],"summary":"light front damage"}`)
	result, err := ParseResult(ReportTypeDamage, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.Type != ReportTypeDamage || result.Damage == nil {
		t.Fatalf("expected damage variant, got %+v", result)
	}
	if result.Damage.Severity != "moderate" || len(result.Damage.Panels) != 1 {
		t.Fatalf("unexpected payload: %+v", result.Damage)
	}
}

func TestParseResultEngineSound(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"verdict":"healthy","anomalies":[],"summary":"no irregular noise detected"}`)
	result, err := ParseResult(ReportTypeEngineSound, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.EngineSound == nil || result.EngineSound.Verdict != "healthy" {
		t.Fatalf("unexpected payload: %+v", result.EngineSound)
	}
}

func TestParseResultRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"severity":"low","panels":[],"summary":"ok","confidence":0.9}`)
	if _, err := ParseResult(ReportTypeDamage, raw); !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
}

func TestParseResultRejectsMissingRequiredFields(t *testing.T) {
	t.Parallel()
	cases := map[ReportType]string{
		ReportTypeDamage:      `{"panels":[],"summary":""}`,
		ReportTypePaint:       `{"panels":[],"summary":"thin paint"}`,
		ReportTypeEngineSound: `{"anomalies":["knock"],"summary":"worrying"}`,
	}
	for reportType, raw := range cases {
		if _, err := ParseResult(reportType, []byte(raw)); !errors.Is(err, ErrMalformedResult) {
			t.Fatalf("%s: expected ErrMalformedResult, got %v", reportType, err)
		}
	}
}

func TestParseResultRejectsNonJSON(t *testing.T) {
	t.Parallel()
	if _, err := ParseResult(ReportTypePaint, []byte("I could not analyze this vehicle")); !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
}

func TestParseResultFullExpertiseNeedsAnAssessment(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"overall_score":71,"summary":"good overall"}`)
	if _, err := ParseResult(ReportTypeFullExpertise, raw); !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}

	raw = []byte(`{"damage":{"severity":"low","panels":[],"summary":"minor"},"overall_score":71,"summary":"good overall"}`)
	result, err := ParseResult(ReportTypeFullExpertise, raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.FullExpertise == nil || result.FullExpertise.OverallScore != 71 {
		t.Fatalf("unexpected payload: %+v", result.FullExpertise)
	}
}

func TestFingerprintIgnoresInputOrder(t *testing.T) {
	t.Parallel()
	first := Fingerprint(ReportTypeDamage, []string{"uploads/a.jpg", "uploads/b.jpg"})
	second := Fingerprint(ReportTypeDamage, []string{"uploads/b.jpg", "uploads/a.jpg"})
	if first != second {
		t.Fatalf("fingerprints differ for reordered inputs: %s vs %s", first, second)
	}
}

func TestFingerprintVariesByTypeAndInputs(t *testing.T) {
	t.Parallel()
	base := Fingerprint(ReportTypeDamage, []string{"uploads/a.jpg"})
	if Fingerprint(ReportTypePaint, []string{"uploads/a.jpg"}) == base {
		t.Fatal("fingerprint should depend on report type")
	}
	if Fingerprint(ReportTypeDamage, []string{"uploads/other.jpg"}) == base {
		t.Fatal("fingerprint should depend on inputs")
	}
}
