// Package calendar は設定されたタイムゾーンでの現在時刻と、
// 日付ごとの予約可能枠の算出を提供する。
package calendar

import (
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/studiobook/internal/model"
)

// Clock は現在時刻の取得元。
type Clock interface {
	Now() time.Time
}

// SystemClock はシステム時刻を指定ロケーションで返すClock。
type SystemClock struct {
	Loc *time.Location
}

// Now は現在時刻を返す。
func (c SystemClock) Now() time.Time {
	return time.Now().In(c.Loc)
}

// FixedClock は常に同じ時刻を返すClock。テスト用。
type FixedClock struct {
	T time.Time
}

// Now は固定時刻を返す。
func (c FixedClock) Now() time.Time {
	return c.T
}

// Calendar はスタジオの営業時間内の予約可能枠を算出する。
// 日付値はY/M/Dのみを意味を持つ暦日として扱い、タイムゾーン変換はしない。
type Calendar struct {
	OpenHour  int
	CloseHour int // この時刻の直前の枠までが予約可能（24なら23時台まで）
	Loc       *time.Location
	// MaxAdvanceDays は当日から何日先まで予約できるか。0以下なら無制限。
	MaxAdvanceDays int
}

// New はCalendarを生成する。
func New(loc *time.Location, openHour, closeHour int) *Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return &Calendar{OpenHour: openHour, CloseHour: closeHour, Loc: loc}
}

// LastBookableDay は予約できる最後の暦日を返す。無制限の場合はfalse。
func (c *Calendar) LastBookableDay(now time.Time) (time.Time, bool) {
	if c.MaxAdvanceDays <= 0 {
		return time.Time{}, false
	}
	return c.Today(now).AddDate(0, 0, c.MaxAdvanceDays), true
}

// InRange はdateが当日以降かつ予約受付期間内かを返す。
func (c *Calendar) InRange(date, now time.Time) bool {
	day := c.Day(date)
	if day.Before(c.Today(now)) {
		return false
	}
	if last, ok := c.LastBookableDay(now); ok && day.After(last) {
		return false
	}
	return true
}

// Day は日付値を暦日（ロケーション上の0時）に正規化する。
func (c *Calendar) Day(date time.Time) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.Loc)
}

// Today はnowの属する暦日を返す。
func (c *Calendar) Today(now time.Time) time.Time {
	return c.Day(now.In(c.Loc))
}

// ParseDate はYYYY-MM-DD形式の日付をパースする。
func (c *Calendar) ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation(model.DateLayout, s, c.Loc)
	if err != nil {
		return time.Time{}, model.NewInvalidSlotError(fmt.Sprintf("日付の形式が不正です: %s", s))
	}
	return d, nil
}

// SlotStart は枠の開始時刻を返す。
func (c *Calendar) SlotStart(date time.Time, hour int) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, hour, 0, 0, 0, c.Loc)
}

// Hours はdateの予約可能な時間の一覧を返す。
// 当日は現在時刻の時間帯から、未来日は開店時刻から、閉店時刻の直前まで。過去日は空。
func (c *Calendar) Hours(date, now time.Time) []int {
	if !c.InRange(date, now) {
		return nil
	}
	day := c.Day(date)
	today := c.Today(now)

	start := c.OpenHour
	if day.Equal(today) {
		if h := now.In(c.Loc).Hour(); h > start {
			start = h
		}
	}

	if start >= c.CloseHour {
		return nil
	}

	hours := make([]int, 0, c.CloseHour-start)
	for h := start; h < c.CloseHour; h++ {
		hours = append(hours, h)
	}
	return hours
}

// ValidateRequest は予約リクエストの日付・開始時刻・時間数を検証する。
func (c *Calendar) ValidateRequest(date time.Time, startHour, hours int, now time.Time) error {
	if hours < 1 {
		return model.NewInvalidSlotError("時間数は1以上を指定してください")
	}
	if err := c.checkHorizon(date, now); err != nil {
		return err
	}
	orderable := c.Hours(date, now)
	if len(orderable) == 0 {
		return model.NewInvalidSlotError("過去の日付は指定できません")
	}
	if startHour < orderable[0] || startHour >= c.CloseHour {
		return model.NewInvalidSlotError(fmt.Sprintf("開始時刻 %d 時は予約できません", startHour))
	}
	if startHour+hours > c.CloseHour {
		return model.NewInvalidSlotError(fmt.Sprintf("最大 %d 時間まで指定できます", c.CloseHour-startHour))
	}
	return nil
}

// ValidateHours は即時予約で指定された時間の集合を検証し、昇順に並べて返す。
func (c *Calendar) ValidateHours(date time.Time, hours []int, now time.Time) ([]int, error) {
	if len(hours) == 0 {
		return nil, model.NewInvalidSlotError("時間を1つ以上選択してください")
	}
	if err := c.checkHorizon(date, now); err != nil {
		return nil, err
	}

	orderable := make(map[int]bool)
	for _, h := range c.Hours(date, now) {
		orderable[h] = true
	}

	seen := make(map[int]bool, len(hours))
	sorted := make([]int, 0, len(hours))
	for _, h := range hours {
		if seen[h] {
			return nil, model.NewInvalidSlotError(fmt.Sprintf("%d 時が重複しています", h))
		}
		if !orderable[h] {
			return nil, model.NewInvalidSlotError(fmt.Sprintf("%d 時は予約できません", h))
		}
		seen[h] = true
		sorted = append(sorted, h)
	}
	sort.Ints(sorted)
	return sorted, nil
}

func (c *Calendar) checkHorizon(date, now time.Time) error {
	if last, ok := c.LastBookableDay(now); ok && c.Day(date).After(last) {
		return model.NewInvalidSlotError(fmt.Sprintf("予約できるのは %s までです", last.Format(model.DateLayout)))
	}
	return nil
}

// DayInfo は月間カレンダーの1日分。
type DayInfo struct {
	Date    time.Time
	InRange bool // 予約可能な日か
}

// Month はyear/monthの各日と予約可否を返す。
// monthが範囲外の場合はINVALID_REQUESTを返す。
func (c *Calendar) Month(year int, month time.Month, now time.Time) ([]DayInfo, error) {
	if month < time.January || month > time.December || year < 1970 || year > 9999 {
		return nil, model.NewInvalidRequestError("年月の指定が不正です")
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, c.Loc)
	days := make([]DayInfo, 0, 31)
	for d := first; d.Month() == month; d = d.AddDate(0, 0, 1) {
		days = append(days, DayInfo{Date: d, InRange: c.InRange(d, now) && len(c.Hours(d, now)) > 0})
	}
	return days, nil
}

// Slot は日別スケジュールの1枠。
type Slot struct {
	Hour  int
	State model.SlotState
}

var statePrecedence = map[model.SlotState]int{
	model.SlotAvailable: 0,
	model.SlotRequested: 1,
	model.SlotPending:   2,
	model.SlotReserved:  3,
}

// Classify は各時間の表示状態を算出する。
// 同じ時間に複数の予約がある場合は reserved > pending > requested の順に優先する。
func Classify(hours []int, claims []model.SlotClaim) []Slot {
	states := make(map[int]model.SlotState, len(claims))
	for _, cl := range claims {
		if statePrecedence[cl.State] > statePrecedence[states[cl.Hour]] {
			states[cl.Hour] = cl.State
		}
	}

	slots := make([]Slot, len(hours))
	for i, h := range hours {
		state, ok := states[h]
		if !ok {
			state = model.SlotAvailable
		}
		slots[i] = Slot{Hour: h, State: state}
	}
	return slots
}

// ClaimsFromRequest は予約リクエストのステータスを表示状態に変換する。
// declinedは枠を占有しないためnilを返す。
func ClaimsFromRequest(r *model.PendingRequest) []model.SlotClaim {
	var state model.SlotState
	switch r.Status {
	case model.RequestStatusPending:
		state = model.SlotRequested
	case model.RequestStatusApproved:
		state = model.SlotPending
	case model.RequestStatusPaid:
		state = model.SlotReserved
	default:
		return nil
	}
	claims := make([]model.SlotClaim, 0, r.Hours)
	for _, h := range r.CoveredHours() {
		claims = append(claims, model.SlotClaim{Hour: h, State: state})
	}
	return claims
}

// ClaimFromSession は予約済みセッションを表示状態に変換する。
func ClaimFromSession(s *model.BookedSession) (model.SlotClaim, bool) {
	if !s.Status.ClaimsSlot() {
		return model.SlotClaim{}, false
	}
	return model.SlotClaim{Hour: s.StartHour, State: model.SlotReserved}, true
}
