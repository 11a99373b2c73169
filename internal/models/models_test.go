package models

import (
	"errors"
	"testing"
)

func validSequence() *Sequence {
	return &Sequence{
		TenantID:     "church-1",
		Name:         "First Visit",
		SequenceType: SequenceTypeVisitorFollowUp,
		TriggerEvent: TriggerVisitCompleted,
		Steps: []SequenceStep{
			{StepOrder: 1, StepType: StepTypeEmail, Content: StepContent{Subject: "Hi", Body: "Welcome {{ first_name }}"}},
			{StepOrder: 2, StepType: StepTypeSMS, DelayAfterPrevious: 2880, Content: StepContent{Body: "See you Sunday"}},
		},
	}
}

func TestSequenceValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Sequence)
		wantErr bool
	}{
		{name: "valid", mutate: func(*Sequence) {}},
		{name: "unordered but contiguous", mutate: func(s *Sequence) {
			s.Steps[0].StepOrder, s.Steps[1].StepOrder = 2, 1
		}},
		{name: "gap in order", mutate: func(s *Sequence) { s.Steps[1].StepOrder = 3 }, wantErr: true},
		{name: "duplicate order", mutate: func(s *Sequence) { s.Steps[1].StepOrder = 1 }, wantErr: true},
		{name: "starts at zero", mutate: func(s *Sequence) {
			s.Steps[0].StepOrder, s.Steps[1].StepOrder = 0, 1
		}, wantErr: true},
		{name: "no steps", mutate: func(s *Sequence) { s.Steps = nil }, wantErr: true},
		{name: "negative delay", mutate: func(s *Sequence) { s.Steps[1].DelayAfterPrevious = -1 }, wantErr: true},
		{name: "unknown step type", mutate: func(s *Sequence) { s.Steps[0].StepType = "fax" }, wantErr: true},
		{name: "webhook without url", mutate: func(s *Sequence) { s.Steps[0].StepType = StepTypeWebhook }, wantErr: true},
		{name: "bad operator", mutate: func(s *Sequence) {
			s.TriggerConditions = []Condition{{Field: "campus", Operator: "like"}}
		}, wantErr: true},
		{name: "bad send window", mutate: func(s *Sequence) { s.SendWindow = &SendWindow{StartHour: 9, EndHour: 9} }, wantErr: true},
		{name: "missing tenant", mutate: func(s *Sequence) { s.TenantID = "" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seq := validSequence()
			tt.mutate(seq)
			err := seq.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if err != nil {
				var verr *ValidationErrors
				if !errors.As(err, &verr) {
					t.Fatalf("expected ValidationErrors, got %T", err)
				}
			}
		})
	}
}

func TestValidateVariantTraffic(t *testing.T) {
	ok := []*SequenceVariant{
		{Name: "a", TrafficPercentage: 50, IsActive: true},
		{Name: "b", TrafficPercentage: 50, IsActive: true},
		{Name: "c", TrafficPercentage: 80, IsActive: false},
	}
	if err := ValidateVariantTraffic(ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	over := []*SequenceVariant{
		{Name: "a", TrafficPercentage: 60, IsActive: true},
		{Name: "b", TrafficPercentage: 41, IsActive: true},
	}
	if err := ValidateVariantTraffic(over); err == nil {
		t.Fatal("expected error for 101%")
	}
}

func TestRecipientRefKey(t *testing.T) {
	tests := []struct {
		ref  RecipientRef
		want string
	}{
		{RecipientRef{VisitorID: "v1"}, "visitor:v1"},
		{RecipientRef{MemberID: "m1"}, "member:m1"},
		{RecipientRef{PrayerRequestID: "p1"}, "prayer_request:p1"},
		{RecipientRef{}, ""},
		{RecipientRef{MemberID: "m1", VisitorID: "v1"}, ""},
	}
	for _, tt := range tests {
		if got := tt.ref.Key(); got != tt.want {
			t.Errorf("Key(%+v) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestQuietHoursBounds(t *testing.T) {
	q := &QuietHours{Start: "22:00", End: "08:30"}
	start, end, err := q.Bounds()
	if err != nil {
		t.Fatalf("Bounds: %v", err)
	}
	if start != 22*60 || end != 8*60+30 {
		t.Errorf("got %d-%d", start, end)
	}

	bad := &QuietHours{Start: "25:00", End: "08:00"}
	if _, _, err := bad.Bounds(); err == nil {
		t.Error("expected error for invalid clock")
	}
}

func TestPreferencesScopes(t *testing.T) {
	p := &CommunicationPreferences{Email: "a@example.org"}
	p.AddScope("seq-1")
	p.AddScope("seq-1")
	p.AddScope(string(SequenceTypeNurture))
	if len(p.UnsubscribedFrom) != 2 {
		t.Fatalf("expected 2 scopes, got %v", p.UnsubscribedFrom)
	}
	if !p.UnsubscribedFromScope("nurture") {
		t.Error("expected nurture scope")
	}
	var nilPrefs *CommunicationPreferences
	if nilPrefs.UnsubscribedFromScope("seq-1") {
		t.Error("nil preferences should not be unsubscribed")
	}
}

func TestComputeRates(t *testing.T) {
	a := &SequenceAnalytics{
		EnrollmentsCreated: 4,
		MessagesSent:       10,
		MessagesDelivered:  8,
		MessagesOpened:     4,
		MessagesClicked:    1,
		Conversions:        1,
	}
	a.ComputeRates()
	if a.DeliveryRate != 0.8 || a.OpenRate != 0.5 || a.ClickRate != 0.25 || a.ConversionRate != 0.25 {
		t.Errorf("unexpected rates: %+v", a)
	}

	empty := &SequenceAnalytics{}
	empty.ComputeRates()
	if empty.DeliveryRate != 0 {
		t.Error("expected zero rate for zero denominator")
	}
}

func TestEnrollmentTemplateContext(t *testing.T) {
	e := &Enrollment{
		RecipientRef: RecipientRef{VisitorID: "v1"},
		Contact:      Contact{Email: "a@example.org"},
		Data:         map[string]string{"first_name": "Ann", "email": "override@example.org"},
	}
	ctx := e.TemplateContext()
	if ctx["first_name"] != "Ann" {
		t.Errorf("first_name = %q", ctx["first_name"])
	}
	if ctx["email"] != "override@example.org" {
		t.Errorf("enrollment data should win, got %q", ctx["email"])
	}
	if ctx["recipient_type"] != "visitor" {
		t.Errorf("recipient_type = %q", ctx["recipient_type"])
	}
}
