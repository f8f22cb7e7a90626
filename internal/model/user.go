// Package model はドメインモデルを定義する。
package model

import "time"

// Role はアカウントの権限を表す。guest < member < operator < admin の順に強い。
type Role string

const (
	RoleGuest    Role = "guest"
	RoleMember   Role = "member"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleGuest:    0,
	RoleMember:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// Valid は定義済みのロールかを返す。
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast はrがmin以上の権限を持つかを返す。未定義のロールは常にfalse。
func (r Role) AtLeast(min Role) bool {
	rank, ok := roleRank[r]
	if !ok {
		return false
	}
	return rank >= roleRank[min]
}

// User はサービス利用ユーザーを表す。
type User struct {
	ID               string
	Email            string
	Name             string
	Phone            string
	Role             Role
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Identity は外部IdPとの紐付け情報を表す。
type Identity struct {
	ID             string
	UserID         string
	Provider       string
	ProviderUserID string
	CreatedAt      time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
