package turnitin

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGenerateSubmissionTitle_LengthUnderSiteLimit(t *testing.T) {
	title := GenerateSubmissionTitle("123456789", time.Date(2026, 8, 25, 14, 30, 45, 0, time.UTC))
	assert.Len(t, title, 14)
	assert.Less(t, len(title), titleMaxLen)
}

func TestGenerateSubmissionTitle_Deterministic(t *testing.T) {
	at := time.Date(2026, 8, 25, 14, 30, 45, 0, time.UTC)
	assert.Equal(t,
		GenerateSubmissionTitle("123456789", at),
		GenerateSubmissionTitle("123456789", at))
}

func TestGenerateSubmissionTitle_DistinctAcrossUsersAndTimes(t *testing.T) {
	at := time.Date(2026, 8, 25, 14, 30, 45, 0, time.UTC)
	a := GenerateSubmissionTitle("123456789", at)
	b := GenerateSubmissionTitle("987654321", at)
	c := GenerateSubmissionTitle("123456789", at.Add(time.Second))
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestGenerateSubmissionTitle_ShortUserID(t *testing.T) {
	title := GenerateSubmissionTitle("42", time.Date(2026, 8, 25, 14, 30, 45, 0, time.UTC))
	assert.LessOrEqual(t, len(title), titleMaxLen)
	assert.Contains(t, title, "42")
}

func TestReportFileName_EncodesRecipientAndKind(t *testing.T) {
	at := time.Date(2026, 8, 25, 14, 30, 45, 0, time.UTC)
	assert.Equal(t, "1001_20260825143045_similarity.pdf", reportFileName(1001, at, "similarity"))
	assert.Equal(t, "1001_20260825143045_ai.pdf", reportFileName(1001, at, "ai"))
}
