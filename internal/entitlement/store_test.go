package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSubscription_ActiveAt(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	cases := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"monthly unexpired", Subscription{Plan: PlanMonthly, ExpiresAt: &future}, true},
		{"monthly expired", Subscription{Plan: PlanMonthly, ExpiresAt: &past}, false},
		{"monthly without expiry", Subscription{Plan: PlanMonthly}, false},
		{"document with allowance", Subscription{Plan: PlanDocument, DocumentsRemaining: 3}, true},
		{"document exhausted", Subscription{Plan: PlanDocument, DocumentsRemaining: 0}, false},
		{"unknown plan", Subscription{Plan: "lifetime"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.sub.ActiveAt(now))
		})
	}
}
