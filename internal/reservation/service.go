// Package reservation は予約リクエストのライフサイクル（申込・承認/却下・支払い確定）と、
// メンバーのクレジットによる即時予約・キャンセルを扱う。
package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/studiobook/internal/calendar"
	"github.com/hitoshi/studiobook/internal/metrics"
	"github.com/hitoshi/studiobook/internal/model"
	"github.com/hitoshi/studiobook/internal/notify"
	"github.com/hitoshi/studiobook/internal/payment"
	"github.com/hitoshi/studiobook/internal/repository"
	"github.com/hitoshi/studiobook/internal/security"
)

const (
	maxNotesLength          = 2000
	maxSuggestedTimesLength = 500
	defaultListLimit        = 200
)

// Observer は予約操作のメトリクス記録先。
type Observer interface {
	RecordRequestSubmitted()
	RecordDecision(decision string)
	RecordBooking(outcome string)
}

// Config は予約料金とURL生成に使う設定。
type Config struct {
	BaseURL        string
	FeeCents       int64
	FeeCurrency    string
	FeeLabel       string
	OperatorEmails []string
}

// Deps はServiceの依存。Metricsはnil可。
type Deps struct {
	Reservations repository.ReservationRepository
	Users        repository.UserRepository
	Memberships  repository.MembershipRepository
	Gateway      payment.Gateway
	Notifier     notify.Dispatcher
	Calendar     *calendar.Calendar
	Clock        calendar.Clock
	Metrics      Observer
	Logger       *slog.Logger
}

// Service は予約のサービス層。
type Service struct {
	repo        repository.ReservationRepository
	users       repository.UserRepository
	memberships repository.MembershipRepository
	gateway     payment.Gateway
	notifier    notify.Dispatcher
	cal         *calendar.Calendar
	clock       calendar.Clock
	metrics     Observer
	logger      *slog.Logger
	notes       *security.TextSanitizer
	suggestions *security.TextSanitizer
	cfg         Config
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(deps Deps, cfg Config) *Service {
	m := deps.Metrics
	if m == nil {
		m = metrics.Nop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        deps.Reservations,
		users:       deps.Users,
		memberships: deps.Memberships,
		gateway:     deps.Gateway,
		notifier:    deps.Notifier,
		cal:         deps.Calendar,
		clock:       deps.Clock,
		metrics:     m,
		logger:      logger,
		notes:       security.NewTextSanitizer(maxNotesLength),
		suggestions: security.NewTextSanitizer(maxSuggestedTimesLength),
		cfg:         cfg,
	}
}

// SubmitInput は予約リクエストの申込内容。
type SubmitInput struct {
	Requester model.Requester
	Date      string // YYYY-MM-DD
	StartHour int
	Hours     int
	Notes     string
}

// Submit は予約リクエストをpendingで作成し、オペレーターに通知する。
// 他のリクエストとの枠の重複はここでは検査しない（承認時に検査する）。
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*model.PendingRequest, error) {
	requester, err := s.resolveRequester(ctx, in.Requester)
	if err != nil {
		return nil, err
	}

	date, err := s.cal.ParseDate(in.Date)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if err := s.cal.ValidateRequest(date, in.StartHour, in.Hours, now); err != nil {
		return nil, err
	}

	req := &model.PendingRequest{
		ID:        uuid.New().String(),
		Requester: requester,
		Date:      date,
		StartHour: in.StartHour,
		Hours:     in.Hours,
		Notes:     s.notes.Clean(in.Notes),
		Status:    model.RequestStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("予約リクエストの作成に失敗しました: %w", err)
	}
	s.metrics.RecordRequestSubmitted()

	s.logger.Info("reservation request submitted",
		slog.String("reservation_id", req.ID),
		slog.String("date", req.Date.Format(model.DateLayout)),
		slog.Int("start_hour", req.StartHour),
		slog.Int("hours", req.Hours),
	)

	s.notifier.Dispatch(ctx, notify.Message{
		Kind: notify.KindRequestSubmitted,
		To:   s.operatorRecipients(ctx),
		Data: map[string]string{
			"name":       req.Requester.Name,
			"email":      req.Requester.Email,
			"phone":      req.Requester.Phone,
			"date":       formatDay(req.Date),
			"start":      formatHour(req.StartHour),
			"hours":      strconv.Itoa(req.Hours),
			"notes":      req.Notes,
			"review_url": s.cfg.BaseURL + "/operator/requests/" + req.ID,
		},
	})
	return req, nil
}

// resolveRequester はログイン中の申込者の未入力項目をアカウント情報で補い、必須項目を検証する。
func (s *Service) resolveRequester(ctx context.Context, r model.Requester) (model.Requester, error) {
	if r.UserID != "" {
		user, err := s.users.FindByID(ctx, r.UserID)
		if err != nil {
			return r, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
		}
		if user == nil {
			return r, model.NewUserNotFoundError()
		}
		if r.Name == "" {
			r.Name = user.Name
		}
		if r.Email == "" {
			r.Email = user.Email
		}
		if r.Phone == "" {
			r.Phone = user.Phone
		}
	}

	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.TrimSpace(r.Email)
	r.Phone = strings.TrimSpace(r.Phone)
	if r.Name == "" {
		return r, model.NewInvalidRequestError("名前を入力してください")
	}
	if r.Email == "" || !strings.Contains(r.Email, "@") {
		return r, model.NewInvalidRequestError("メールアドレスが不正です")
	}
	return r, nil
}

// Decide はpendingのリクエストを承認または却下する。
// 承認時は決済リンクを作成して申込者に送る。決済リンクの作成に失敗した場合、
// リクエストはapprovedのままGATEWAY_ERRORを返す（RetryPaymentLinkで再送できる）。
func (s *Service) Decide(ctx context.Context, id string, decision model.Decision, suggestedTimes string) (*model.PendingRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewRequestNotFoundError(id)
	}

	switch decision {
	case model.DecisionApprove:
		req, err := s.repo.ApproveRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, model.NewRequestNotFoundError(id)
		}
		s.metrics.RecordDecision(string(decision))
		s.logger.Info("reservation request approved", slog.String("reservation_id", id))

		if err := s.sendPaymentLink(ctx, req); err != nil {
			return req, err
		}
		return req, nil

	case model.DecisionDecline:
		cleaned := s.suggestions.Clean(suggestedTimes)
		req, err := s.repo.DeclineRequest(ctx, id, cleaned)
		if err != nil {
			return nil, err
		}
		if req == nil {
			return nil, model.NewRequestNotFoundError(id)
		}
		s.metrics.RecordDecision(string(decision))
		s.logger.Info("reservation request declined", slog.String("reservation_id", id))

		s.notifier.Dispatch(ctx, notify.Message{
			Kind: notify.KindRequestDeclined,
			To:   []string{req.Requester.Email},
			Data: map[string]string{
				"name":            req.Requester.Name,
				"date":            formatDay(req.Date),
				"start":           formatHour(req.StartHour),
				"hours":           strconv.Itoa(req.Hours),
				"suggested_times": req.SuggestedTimes,
			},
		})
		return req, nil
	}
	return nil, model.NewInvalidRequestError(fmt.Sprintf("不明な判断です: %s", decision))
}

// RetryPaymentLink はapprovedのリクエストに決済リンクを再作成して送り直す。
func (s *Service) RetryPaymentLink(ctx context.Context, id string) (*model.PendingRequest, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, model.NewRequestNotFoundError(id)
	}
	req, err := s.repo.FindRequestByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("予約リクエストの取得に失敗しました: %w", err)
	}
	if req == nil {
		return nil, model.NewRequestNotFoundError(id)
	}
	if req.Status != model.RequestStatusApproved {
		return nil, model.NewInvalidTransitionError(string(req.Status), "payment-link")
	}
	if err := s.sendPaymentLink(ctx, req); err != nil {
		return req, err
	}
	return req, nil
}

func (s *Service) sendPaymentLink(ctx context.Context, req *model.PendingRequest) error {
	link, err := s.gateway.CreateReservationCheckout(ctx, payment.ReservationCheckout{
		RequestID:   req.ID,
		Email:       req.Requester.Email,
		AmountCents: s.cfg.FeeCents,
		Currency:    s.cfg.FeeCurrency,
		Label:       s.cfg.FeeLabel,
	})
	if err != nil {
		s.logger.Error("payment link creation failed",
			slog.String("reservation_id", req.ID),
			slog.String("error", err.Error()),
		)
		return err
	}

	if err := s.repo.SetPaymentLink(ctx, req.ID, link.URL, link.SessionID); err != nil {
		return fmt.Errorf("決済リンクの保存に失敗しました: %w", err)
	}
	req.PaymentLinkURL = link.URL
	req.CheckoutSessionID = link.SessionID

	s.notifier.Dispatch(ctx, notify.Message{
		Kind: notify.KindRequestApprovedPaymentLink,
		To:   []string{req.Requester.Email},
		Data: map[string]string{
			"name":        req.Requester.Name,
			"date":        formatDay(req.Date),
			"start":       formatHour(req.StartHour),
			"hours":       strconv.Itoa(req.Hours),
			"amount":      formatAmount(s.cfg.FeeCents, s.cfg.FeeCurrency),
			"payment_url": link.URL,
		},
	})
	return nil
}

// MarkPaid はapprovedのリクエストを支払い済みにする。
// 既にpaidなら何も変更せず通知も送らない。pending/declinedはINVALID_TRANSITION。
func (s *Service) MarkPaid(ctx context.Context, id string) (*model.PendingRequest, bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, false, model.NewRequestNotFoundError(id)
	}
	req, changed, err := s.repo.MarkRequestPaid(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if req == nil {
		return nil, false, model.NewRequestNotFoundError(id)
	}
	if !changed {
		return req, false, nil
	}

	s.logger.Info("reservation request paid", slog.String("reservation_id", id))
	s.notifier.Dispatch(ctx, notify.Message{
		Kind: notify.KindPaymentConfirmed,
		To:   []string{req.Requester.Email},
		Data: map[string]string{
			"name":  req.Requester.Name,
			"date":  formatDay(req.Date),
			"start": formatHour(req.StartHour),
			"hours": strconv.Itoa(req.Hours),
		},
	})
	return req, true, nil
}

// InstantBook はメンバーのクレジットを消費して指定日の複数枠を一括予約する。
// いずれかの枠が確保済みならSLOT_CONFLICTで全体が失敗し、何も予約されない。
func (s *Service) InstantBook(ctx context.Context, userID, dateStr string, hours []int, notes string) ([]*model.BookedSession, error) {
	user, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError()
	}
	if !user.Role.AtLeast(model.RoleMember) {
		return nil, model.NewNoMembershipAccessError()
	}

	now := s.clock.Now()
	membership, err := s.memberships.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("メンバーシップの取得に失敗しました: %w", err)
	}
	if !membership.HasAccess(now) {
		return nil, model.NewNoMembershipAccessError()
	}

	date, err := s.cal.ParseDate(dateStr)
	if err != nil {
		return nil, err
	}
	sorted, err := s.cal.ValidateHours(date, hours, now)
	if err != nil {
		return nil, err
	}

	sessions, err := s.repo.InstantBook(ctx, userID, date, sorted, s.notes.Clean(notes))
	if err != nil {
		switch {
		case model.IsCode(err, model.ErrCodeSlotConflict):
			s.metrics.RecordBooking(metrics.BookingConflict)
		case model.IsCode(err, model.ErrCodeInsufficientCredits):
			s.metrics.RecordBooking(metrics.BookingInsufficientCredits)
		}
		return nil, err
	}
	s.metrics.RecordBooking(metrics.BookingBooked)

	s.logger.Info("sessions booked",
		slog.String("user_id", userID),
		slog.String("date", dateStr),
		slog.Int("count", len(sessions)),
	)

	labels := make([]string, len(sorted))
	for i, h := range sorted {
		labels[i] = formatHour(h)
	}
	s.notifier.Dispatch(ctx, notify.Message{
		Kind: notify.KindSessionBooked,
		To:   []string{user.Email},
		Data: map[string]string{
			"name":  user.Name,
			"date":  formatDay(date),
			"start": strings.Join(labels, ", "),
			"hours": strconv.Itoa(len(sorted)),
		},
	})
	return sessions, nil
}

// CancelSession は予約済みセッションをキャンセルする。クレジットは返還しない。
// 所有者以外はFORBIDDEN、開始時刻を過ぎたものやbooked以外はINVALID_TRANSITION。
func (s *Service) CancelSession(ctx context.Context, sessionID, userID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return model.NewSessionNotFoundError(sessionID)
	}
	session, err := s.repo.FindSessionByID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("予約の取得に失敗しました: %w", err)
	}
	if session == nil {
		return model.NewSessionNotFoundError(sessionID)
	}
	if session.UserID != userID {
		return model.NewForbiddenError()
	}
	if !session.Status.CanTransitionTo(model.SessionStatusCanceled) {
		return model.NewInvalidTransitionError(string(session.Status), string(model.SessionStatusCanceled))
	}
	if !s.cal.SlotStart(session.Date, session.StartHour).After(s.clock.Now()) {
		return model.NewInvalidTransitionError("started", string(model.SessionStatusCanceled))
	}

	ok, err := s.repo.CancelSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("予約のキャンセルに失敗しました: %w", err)
	}
	if !ok {
		// 確認後に別のリクエストで状態が変わった
		return model.NewInvalidTransitionError("changed", string(model.SessionStatusCanceled))
	}
	s.logger.Info("session canceled",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID),
	)
	return nil
}

// DaySchedule は指定日の予約可能な各時間の表示状態を返す。
func (s *Service) DaySchedule(ctx context.Context, dateStr string) ([]calendar.Slot, error) {
	date, err := s.cal.ParseDate(dateStr)
	if err != nil {
		return nil, err
	}
	hours := s.cal.Hours(date, s.clock.Now())
	if len(hours) == 0 {
		return []calendar.Slot{}, nil
	}

	requests, sessions, err := s.repo.ListClaimsForDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("予約状況の取得に失敗しました: %w", err)
	}
	var claims []model.SlotClaim
	for _, r := range requests {
		claims = append(claims, calendar.ClaimsFromRequest(r)...)
	}
	for _, bs := range sessions {
		if c, ok := calendar.ClaimFromSession(bs); ok {
			claims = append(claims, c)
		}
	}
	return calendar.Classify(hours, claims), nil
}

// MonthOverview は月間カレンダーを返す。yearかmonthが0なら当月。
func (s *Service) MonthOverview(ctx context.Context, year, month int) ([]calendar.DayInfo, error) {
	now := s.clock.Now()
	if year == 0 || month == 0 {
		today := s.cal.Today(now)
		year, month = today.Year(), int(today.Month())
	}
	return s.cal.Month(year, time.Month(month), now)
}

// ListMySessions はユーザーの今日以降の予約済みセッションを返す。
func (s *Service) ListMySessions(ctx context.Context, userID string) ([]*model.BookedSession, error) {
	sessions, err := s.repo.ListSessionsByUser(ctx, userID, s.cal.Today(s.clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("予約一覧の取得に失敗しました: %w", err)
	}
	return sessions, nil
}

// ListRequests はオペレーター向けにステータスで絞り込んだ予約リクエストを返す。
func (s *Service) ListRequests(ctx context.Context, status string) ([]*model.PendingRequest, error) {
	st := model.RequestStatus(status)
	if st != "" && !st.Valid() {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("不明なステータスです: %s", status))
	}
	reqs, err := s.repo.ListRequests(ctx, st, defaultListLimit)
	if err != nil {
		return nil, fmt.Errorf("予約リクエスト一覧の取得に失敗しました: %w", err)
	}
	return reqs, nil
}

// operatorRecipients は設定のアドレスとoperator以上のユーザーのアドレスを重複なく返す。
// ユーザー一覧の取得に失敗した場合は設定のアドレスのみを使う。
func (s *Service) operatorRecipients(ctx context.Context) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(email string) {
		key := strings.ToLower(email)
		if email == "" || seen[key] {
			return
		}
		seen[key] = true
		out = append(out, email)
	}
	for _, e := range s.cfg.OperatorEmails {
		add(e)
	}

	emails, err := s.users.ListEmailsByMinRole(ctx, model.RoleOperator)
	if err != nil {
		s.logger.Warn("failed to list operator emails", slog.String("error", err.Error()))
		return out
	}
	for _, e := range emails {
		add(e)
	}
	return out
}

func formatDay(t time.Time) string {
	return t.Format("Jan 02, 2006")
}

func formatHour(h int) string {
	return time.Date(2000, 1, 1, h, 0, 0, 0, time.UTC).Format("03:04 PM")
}

func formatAmount(cents int64, currency string) string {
	amount := fmt.Sprintf("%d.%02d", cents/100, cents%100)
	if strings.EqualFold(currency, "usd") {
		return "$" + amount
	}
	return amount + " " + strings.ToUpper(currency)
}
