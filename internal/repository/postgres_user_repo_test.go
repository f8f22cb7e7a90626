package repository

import (
	"errors"
	"testing"

	"github.com/lib/pq"
)

func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ UserRepository = (*PostgresUserRepo)(nil)
	var _ IdentityRepository = (*PostgresIdentityRepo)(nil)
	var _ SessionRepository = (*PostgresSessionRepo)(nil)
	var _ ReservationRepository = (*PostgresReservationRepo)(nil)
	var _ MembershipRepository = (*PostgresMembershipRepo)(nil)
	var _ WebhookEventRepository = (*PostgresWebhookEventRepo)(nil)
	var _ PlanRepository = (*PostgresPlanRepo)(nil)
	var _ InviteRepository = (*PostgresInviteRepo)(nil)
}

func TestNewPostgresRepos_Initialize(t *testing.T) {
	if NewPostgresUserRepo(nil) == nil {
		t.Error("expected non-nil user repo")
	}
	if NewPostgresSessionRepo(nil) == nil {
		t.Error("expected non-nil session repo")
	}
	if NewPostgresReservationRepo(nil) == nil {
		t.Error("expected non-nil reservation repo")
	}
	if NewPostgresMembershipRepo(nil) == nil {
		t.Error("expected non-nil membership repo")
	}
	if NewPostgresInviteRepo(nil) == nil {
		t.Error("expected non-nil invite repo")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"unique violation", &pq.Error{Code: "23505"}, true},
		{"wrapped unique violation", errors.Join(errors.New("ctx"), &pq.Error{Code: "23505"}), true},
		{"check violation", &pq.Error{Code: "23514"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNullableUUID(t *testing.T) {
	if nullableUUID("") != nil {
		t.Error("empty id should map to NULL")
	}
	if nullableUUID("abc") != "abc" {
		t.Error("non-empty id should pass through")
	}
}
