package model

import "time"

// Plan はメンバーシッププランを表す。
type Plan struct {
	ID      string
	Name    string
	PriceID string // 決済サービス側の価格ID
	Credits int    // 1請求サイクルあたりに付与するクレジット
	Active  bool
}

// Membership はアカウントごとのサブスクリプションとクレジット状態。
type Membership struct {
	ID                    string
	UserID                string
	PlanID                string
	Active                bool
	Credits               int
	NextBillingDate       *time.Time
	ValidUntil            *time.Time
	SubscriptionID        string // 解約時に空になる
	LastCreditedPeriodEnd *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasAccess はasOf時点でメンバー機能を利用できるかを返す。
// activeであるか、valid_until（解約後の猶予期間）がasOf以降であればtrue。
// 日付単位で比較する。
func (m *Membership) HasAccess(asOf time.Time) bool {
	if m == nil {
		return false
	}
	if m.Active {
		return true
	}
	if m.ValidUntil == nil {
		return false
	}
	return !truncateDay(*m.ValidUntil).Before(truncateDay(asOf))
}

func truncateDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
