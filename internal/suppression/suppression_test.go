package suppression

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/visionarychurch/followup/internal/models"
)

type fakePrefs []*models.CommunicationPreferences

func (f fakePrefs) FindByContact(_ context.Context, _, _, _ string) ([]*models.CommunicationPreferences, error) {
	return f, nil
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return ts
}

func TestIsSuppressed(t *testing.T) {
	seq := &models.Sequence{ID: "seq-1", SequenceType: models.SequenceTypeVisitorFollowUp}

	tests := []struct {
		name  string
		prefs *models.CommunicationPreferences
		want  bool
	}{
		{"no preferences", nil, false},
		{"global", &models.CommunicationPreferences{GlobalUnsubscribe: true}, true},
		{"by sequence id", &models.CommunicationPreferences{UnsubscribedFrom: []string{"seq-1"}}, true},
		{"by sequence type", &models.CommunicationPreferences{UnsubscribedFrom: []string{"visitor_followup"}}, true},
		{"other scope", &models.CommunicationPreferences{UnsubscribedFrom: []string{"seq-2", "nurture"}}, false},
		{"quiet hours only", &models.CommunicationPreferences{QuietHours: &models.QuietHours{Start: "21:00", End: "08:00"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, IsSuppressed(tt.prefs, seq))
		})
	}
}

func TestNextAllowedQuietHours(t *testing.T) {
	overnight := []*models.QuietHours{{Start: "21:00", End: "08:00"}}
	daytime := []*models.QuietHours{{Start: "12:00", End: "13:30"}}

	tests := []struct {
		name   string
		at     string
		quiet  []*models.QuietHours
		want   string
		reason string
	}{
		{"before overnight window", "2026-03-02T20:59:00Z", overnight, "2026-03-02T20:59:00Z", ""},
		{"late evening", "2026-03-02T22:15:00Z", overnight, "2026-03-03T08:00:00Z", ReasonQuietHours},
		{"early morning", "2026-03-03T03:00:00Z", overnight, "2026-03-03T08:00:00Z", ReasonQuietHours},
		{"window end is allowed", "2026-03-03T08:00:00Z", overnight, "2026-03-03T08:00:00Z", ""},
		{"daytime window", "2026-03-02T12:45:00Z", daytime, "2026-03-02T13:30:00Z", ReasonQuietHours},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := NextAllowed(mustTime(t, tt.at), time.UTC, tt.quiet, nil)
			require.Equal(t, mustTime(t, tt.want), got)
			require.Equal(t, tt.reason, reason)
		})
	}
}

func TestNextAllowedRecipientTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)

	// 03:00Z on 3 March is 21:00 CST on 2 March.
	at := mustTime(t, "2026-03-03T03:00:00Z")
	got, reason := NextAllowed(at, loc, []*models.QuietHours{{Start: "20:00", End: "07:00"}}, nil)
	require.Equal(t, ReasonQuietHours, reason)
	require.Equal(t, mustTime(t, "2026-03-03T13:00:00Z"), got)

	local := got.In(loc)
	require.Equal(t, 7, local.Hour())
}

func TestNextAllowedQuietHoursOwnTimezone(t *testing.T) {
	at := mustTime(t, "2026-03-03T03:00:00Z")
	quiet := []*models.QuietHours{{Start: "20:00", End: "07:00", Timezone: "America/Chicago"}}
	got, _ := NextAllowed(at, time.UTC, quiet, nil)
	require.Equal(t, mustTime(t, "2026-03-03T13:00:00Z"), got)
}

func TestNextAllowedSendWindow(t *testing.T) {
	window := &models.SendWindow{StartHour: 9, EndHour: 18}

	got, reason := NextAllowed(mustTime(t, "2026-03-02T06:30:00Z"), time.UTC, nil, window)
	require.Equal(t, ReasonSendWindow, reason)
	require.Equal(t, mustTime(t, "2026-03-02T09:00:00Z"), got)

	got, _ = NextAllowed(mustTime(t, "2026-03-02T18:00:00Z"), time.UTC, nil, window)
	require.Equal(t, mustTime(t, "2026-03-03T09:00:00Z"), got)

	got, reason = NextAllowed(mustTime(t, "2026-03-02T10:00:00Z"), time.UTC, nil, window)
	require.Empty(t, reason)
	require.Equal(t, mustTime(t, "2026-03-02T10:00:00Z"), got)
}

func TestNextAllowedCombined(t *testing.T) {
	// Quiet hours end at 08:00 which is still before the 09:00 send window.
	quiet := []*models.QuietHours{{Start: "21:00", End: "08:00"}}
	window := &models.SendWindow{StartHour: 9, EndHour: 17}

	got, reason := NextAllowed(mustTime(t, "2026-03-02T23:00:00Z"), time.UTC, quiet, window)
	require.Equal(t, ReasonQuietHours, reason)
	require.Equal(t, mustTime(t, "2026-03-03T09:00:00Z"), got)
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	seq := &models.Sequence{ID: "seq-1", SequenceType: models.SequenceTypeNurture}
	contact := models.Contact{Email: "ann@example.com"}
	at := mustTime(t, "2026-03-02T23:00:00Z")

	checker := NewChecker(fakePrefs{
		{Email: "ann@example.com", QuietHours: &models.QuietHours{Start: "22:00", End: "07:00"}},
		{Phone: "+15550100", UnsubscribedFrom: []string{"nurture"}},
	})
	decision, err := checker.Check(ctx, "church-1", contact, seq, at)
	require.NoError(t, err)
	require.True(t, decision.Suppressed)
	require.Equal(t, ReasonTypeUnsubscribe, decision.Reason)
	require.Nil(t, decision.DeferUntil)

	checker = NewChecker(fakePrefs{
		{Email: "ann@example.com", QuietHours: &models.QuietHours{Start: "22:00", End: "07:00"}},
	})
	decision, err = checker.Check(ctx, "church-1", contact, seq, at)
	require.NoError(t, err)
	require.False(t, decision.Suppressed)
	require.True(t, decision.Deferred())
	require.Equal(t, mustTime(t, "2026-03-03T07:00:00Z"), *decision.DeferUntil)

	decision, err = NewChecker(fakePrefs{}).Check(ctx, "church-1", contact, seq, at)
	require.NoError(t, err)
	require.Equal(t, Decision{}, decision)
}
