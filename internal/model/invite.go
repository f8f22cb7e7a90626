package model

import "time"

// Invite は指定メールアドレスにロールを付与する、期限付き・一回限りの招待。
type Invite struct {
	ID        string
	Email     string
	Role      Role
	Token     string
	InvitedBy string
	Used      bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

// IsValid は未使用かつ期限内であればtrueを返す。
func (i *Invite) IsValid(now time.Time) bool {
	return !i.Used && now.Before(i.ExpiresAt)
}
