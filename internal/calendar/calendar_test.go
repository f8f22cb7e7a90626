package calendar

import (
	"testing"
	"time"

	"github.com/hitoshi/studiobook/internal/model"
)

func newTestCalendar(t *testing.T) *Calendar {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data not available: %v", err)
	}
	return New(loc, 8, 24)
}

func TestHours_FutureDateStartsAtOpen(t *testing.T) {
	c := newTestCalendar(t)
	now := time.Date(2025, 3, 1, 10, 30, 0, 0, c.Loc)
	date := time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)

	hours := c.Hours(date, now)
	if len(hours) != 16 {
		t.Fatalf("len(hours) = %d, want 16", len(hours))
	}
	if hours[0] != 8 || hours[len(hours)-1] != 23 {
		t.Errorf("hours = %v, want 8..23", hours)
	}
}

func TestHours_TodayStartsAtCurrentHour(t *testing.T) {
	c := newTestCalendar(t)
	now := time.Date(2025, 3, 1, 14, 45, 0, 0, c.Loc)

	hours := c.Hours(now, now)
	if hours[0] != 14 {
		t.Errorf("first hour = %d, want 14", hours[0])
	}
}

func TestHours_PastDateIsEmpty(t *testing.T) {
	c := newTestCalendar(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, c.Loc)
	past := time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)

	if hours := c.Hours(past, now); len(hours) != 0 {
		t.Errorf("hours = %v, want empty", hours)
	}
}

func TestHours_UTCStoredDateKeepsCivilDay(t *testing.T) {
	c := newTestCalendar(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, c.Loc)
	// PostgreSQLのDATEはUTC 0時としてスキャンされる
	stored := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	hours := c.Hours(stored, now)
	if len(hours) == 0 || hours[0] != 9 {
		t.Errorf("hours = %v, want to start at 9 (today)", hours)
	}
}

func TestValidateRequest(t *testing.T) {
	c := newTestCalendar(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, c.Loc)
	date := time.Date(2025, 3, 1, 0, 0, 0, 0, c.Loc)

	tests := []struct {
		name    string
		date    time.Time
		start   int
		hours   int
		wantErr bool
	}{
		{"valid today", date, 14, 2, false},
		{"current hour allowed", date, 12, 1, false},
		{"zero hours", date, 14, 0, true},
		{"before now", date, 11, 1, true},
		{"past close", date, 23, 2, true},
		{"last slot", date, 23, 1, false},
		{"past date", date.AddDate(0, 0, -1), 14, 1, true},
		{"future before open", date.AddDate(0, 0, 1), 7, 1, true},
		{"future at open", date.AddDate(0, 0, 1), 8, 16, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.ValidateRequest(tt.date, tt.start, tt.hours, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !model.IsCode(err, model.ErrCodeInvalidSlot) {
				t.Errorf("error code = %v, want INVALID_SLOT", err)
			}
		})
	}
}

func TestValidateHours(t *testing.T) {
	c := newTestCalendar(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, c.Loc)
	tomorrow := time.Date(2025, 3, 2, 0, 0, 0, 0, c.Loc)

	got, err := c.ValidateHours(tomorrow, []int{15, 9, 10}, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got[0] != 9 || got[1] != 10 || got[2] != 15 {
		t.Errorf("hours = %v, want sorted [9 10 15]", got)
	}

	if _, err := c.ValidateHours(tomorrow, nil, now); err == nil {
		t.Error("expected error for empty hours")
	}
	if _, err := c.ValidateHours(tomorrow, []int{9, 9}, now); err == nil {
		t.Error("expected error for duplicate hours")
	}
	if _, err := c.ValidateHours(tomorrow, []int{3}, now); err == nil {
		t.Error("expected error for hour before open")
	}
}

func TestClassify_Precedence(t *testing.T) {
	claims := []model.SlotClaim{
		{Hour: 9, State: model.SlotRequested},
		{Hour: 10, State: model.SlotRequested},
		{Hour: 10, State: model.SlotPending},
		{Hour: 11, State: model.SlotReserved},
		{Hour: 11, State: model.SlotRequested},
	}

	slots := Classify([]int{8, 9, 10, 11}, claims)
	want := map[int]model.SlotState{
		8:  model.SlotAvailable,
		9:  model.SlotRequested,
		10: model.SlotPending,
		11: model.SlotReserved,
	}
	for _, s := range slots {
		if s.State != want[s.Hour] {
			t.Errorf("hour %d state = %s, want %s", s.Hour, s.State, want[s.Hour])
		}
	}
}

func TestClaimsFromRequest(t *testing.T) {
	r := &model.PendingRequest{StartHour: 14, Hours: 2, Status: model.RequestStatusPaid}
	claims := ClaimsFromRequest(r)
	if len(claims) != 2 || claims[0].State != model.SlotReserved {
		t.Errorf("claims = %v, want 2 reserved", claims)
	}

	r.Status = model.RequestStatusDeclined
	if claims := ClaimsFromRequest(r); claims != nil {
		t.Errorf("declined claims = %v, want nil", claims)
	}
}

func TestBookingHorizon(t *testing.T) {
	c := newTestCalendar(t)
	c.MaxAdvanceDays = 60
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, c.Loc)
	last := time.Date(2025, 4, 30, 0, 0, 0, 0, time.UTC)
	beyond := last.AddDate(0, 0, 1)

	if !c.InRange(last, now) {
		t.Error("day 60 should be in range")
	}
	if c.InRange(beyond, now) {
		t.Error("day 61 should be out of range")
	}
	if len(c.Hours(beyond, now)) != 0 {
		t.Error("no hours beyond the horizon")
	}

	if err := c.ValidateRequest(last, 14, 2, now); err != nil {
		t.Errorf("ValidateRequest(day 60) = %v", err)
	}
	if err := c.ValidateRequest(beyond, 14, 2, now); !model.IsCode(err, model.ErrCodeInvalidSlot) {
		t.Errorf("ValidateRequest(day 61) = %v, want INVALID_SLOT", err)
	}
	far := time.Date(2031, 12, 24, 0, 0, 0, 0, time.UTC)
	if _, err := c.ValidateHours(far, []int{14, 15}, now); !model.IsCode(err, model.ErrCodeInvalidSlot) {
		t.Errorf("ValidateHours(2031-12-24) = %v, want INVALID_SLOT", err)
	}
	if _, err := c.ValidateHours(last, []int{14, 15}, now); err != nil {
		t.Errorf("ValidateHours(day 60) = %v", err)
	}
}

func TestBookingHorizon_ZeroIsUnlimited(t *testing.T) {
	c := newTestCalendar(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, c.Loc)

	if err := c.ValidateRequest(time.Date(2031, 12, 24, 0, 0, 0, 0, time.UTC), 14, 2, now); err != nil {
		t.Errorf("unlimited calendar rejected a far date: %v", err)
	}
}

func TestMonth(t *testing.T) {
	c := newTestCalendar(t)
	c.MaxAdvanceDays = 60
	now := time.Date(2025, 4, 15, 9, 0, 0, 0, c.Loc)

	days, err := c.Month(2025, time.June, now)
	if err != nil {
		t.Fatalf("Month: %v", err)
	}
	if len(days) != 30 {
		t.Fatalf("len(days) = %d, want 30", len(days))
	}
	// 4/15 + 60日 = 6/14
	if !days[13].InRange || days[14].InRange {
		t.Errorf("June 14 in_range=%v, June 15 in_range=%v; want true, false", days[13].InRange, days[14].InRange)
	}

	april, _ := c.Month(2025, time.April, now)
	if april[13].InRange || !april[14].InRange {
		t.Error("days before today should be out of range")
	}

	if _, err := c.Month(2025, 13, now); !model.IsCode(err, model.ErrCodeInvalidRequest) {
		t.Errorf("Month(13) = %v, want INVALID_REQUEST", err)
	}
}
