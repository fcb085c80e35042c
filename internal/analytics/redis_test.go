package analytics

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSendKey_MinuteBuckets(t *testing.T) {
	id := uuid.MustParse("0e3f5a1c-9d5b-4a1e-8f9f-111111111111")

	at := time.Date(2024, 6, 1, 12, 34, 56, 0, time.UTC)
	got := SendKey(id, at)
	want := "c:0e3f5a1c-9d5b-4a1e-8f9f-111111111111:sends:202406011234"
	if got != want {
		t.Errorf("SendKey = %q, want %q", got, want)
	}

	// Seconds collapse into the same bucket.
	if other := SendKey(id, at.Add(3*time.Second)); other != got {
		t.Errorf("same minute produced different keys: %q vs %q", other, got)
	}

	// The next minute is a new bucket.
	if next := SendKey(id, at.Add(time.Minute)); next == got {
		t.Error("next minute should produce a different key")
	}
}

func TestSendKey_NormalizesToUTC(t *testing.T) {
	id := uuid.New()
	loc := time.FixedZone("UTC+2", 2*3600)
	local := time.Date(2024, 6, 1, 14, 0, 0, 0, loc)
	utc := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	if SendKey(id, local) != SendKey(id, utc) {
		t.Error("keys must be timezone independent")
	}
}
