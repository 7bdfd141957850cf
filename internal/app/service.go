package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"readycheck/api/internal/auth"
	"readycheck/api/internal/config"
	"readycheck/api/internal/presence"
	"readycheck/api/internal/rbac"
	"readycheck/api/internal/realtime"
	"readycheck/api/internal/store"
	"readycheck/api/internal/summon"
	"readycheck/api/internal/util"
)

const (
	defaultHistoryLimit = 50
	maxPresenceTTL      = time.Minute
)

// Session is the authenticated caller of a request.
type Session struct {
	Token     string
	MemberID  string
	Name      string
	JTI       string
	ExpiresAt time.Time
}

type CreateGroupInput struct {
	ID        string                       `json:"id"`
	Name      string                       `json:"name"`
	PhotoURL  string                       `json:"photoUrl"`
	MemberIDs []string                     `json:"memberIds"`
	Members   map[string]summon.MemberInfo `json:"members"`
}

type historyStore interface {
	ArchiveSummon(context.Context, store.SummonRecord) (bool, error)
	ListSummonHistory(context.Context, string, int) ([]store.SummonRecord, error)
	GetSummonRecord(context.Context, string) (store.SummonRecord, error)
	Ping(context.Context) error
}

type objectArchive interface {
	ArchiveSummon(context.Context, summon.Summon) error
}

type revocationStore interface {
	Revoke(context.Context, string, time.Time) error
	IsRevoked(context.Context, string) (bool, error)
}

type pinger interface {
	Ping(context.Context) error
}

// Deps are the collaborators of a Service. History and Archive are
// optional; the rest are required.
type Deps struct {
	Coordinator *summon.Coordinator
	Presence    *presence.Registry
	Realtime    pinger
	Revocations revocationStore
	History     historyStore
	Archive     objectArchive
	Logger      *slog.Logger
}

type Service struct {
	cfg         config.Config
	coordinator *summon.Coordinator
	presence    *presence.Registry
	realtime    pinger
	revocations revocationStore
	history     historyStore
	archive     objectArchive
	logger      *slog.Logger
	now         func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Service{
		cfg:         cfg,
		coordinator: deps.Coordinator,
		presence:    deps.Presence,
		realtime:    deps.Realtime,
		revocations: deps.Revocations,
		history:     deps.History,
		archive:     deps.Archive,
		logger:      deps.Logger,
		now:         time.Now,
	}
	if s.history != nil {
		s.coordinator.OnTerminal("history", s.archiveHistory)
	}
	if s.archive != nil {
		s.coordinator.OnTerminal("s3", s.archive.ArchiveSummon)
	}
	return s
}

// Login issues a bearer token for memberID. There are no passwords: the
// service trusts whoever names a member id, which is enough for a
// development deployment behind an identity-aware proxy.
func (s *Service) Login(_ context.Context, memberID, name string) (Session, error) {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		memberID = util.NewID("mbr")
	}
	if strings.ContainsAny(memberID, "/:") {
		return Session{}, domainError(http.StatusUnprocessableEntity, "INVALID_MEMBER", "Member id must not contain '/' or ':'", nil)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = memberID
	}

	claims := auth.NewClaims(memberID, name, s.now(), s.cfg.TokenTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), claims)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		MemberID:  memberID,
		Name:      name,
		JTI:       claims.ID,
		ExpiresAt: claims.Expiry(),
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	if s.revocations != nil {
		revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
		if err != nil {
			return Session{}, err
		}
		if revoked {
			return Session{}, auth.ErrRevokedToken
		}
	}
	return Session{
		Token:     token,
		MemberID:  claims.Subject,
		Name:      claims.Name,
		JTI:       claims.ID,
		ExpiresAt: claims.Expiry(),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session) error {
	if s.revocations == nil || session.JTI == "" {
		return nil
	}
	return s.revocations.Revoke(ctx, session.JTI, session.ExpiresAt)
}

// CreateGroup registers a group. The caller is always a member of the
// groups they create.
func (s *Service) CreateGroup(ctx context.Context, session Session, input CreateGroupInput) (summon.Group, error) {
	memberIDs := append([]string{session.MemberID}, input.MemberIDs...)
	for _, id := range memberIDs {
		if strings.ContainsAny(id, "/:") {
			return summon.Group{}, domainError(http.StatusUnprocessableEntity, "INVALID_GROUP", "Member ids must not contain '/' or ':'", nil)
		}
	}
	group, err := s.coordinator.RegisterGroup(ctx, summon.Group{
		ID:        input.ID,
		Name:      strings.TrimSpace(input.Name),
		PhotoURL:  strings.TrimSpace(input.PhotoURL),
		MemberIDs: memberIDs,
		Members:   input.Members,
	})
	if err != nil {
		return summon.Group{}, translate(err)
	}
	s.logger.Info("group registered", "group_id", group.ID, "members", len(group.MemberIDs), "member_id", session.MemberID)
	return group, nil
}

func (s *Service) GetGroup(ctx context.Context, session Session, groupID string) (summon.Group, error) {
	group, err := s.coordinator.GetGroup(ctx, groupID)
	if err != nil {
		return summon.Group{}, translate(err)
	}
	if !group.HasMember(session.MemberID) {
		return summon.Group{}, translate(summon.ErrNotAMember)
	}
	return group, nil
}

func (s *Service) StartSummon(ctx context.Context, session Session, groupID string) (summon.Summon, error) {
	started, err := s.coordinator.Start(ctx, groupID, session.MemberID)
	if err != nil {
		return summon.Summon{}, translate(err)
	}
	return started, nil
}

func (s *Service) GetSummon(ctx context.Context, session Session, groupID, summonID string) (summon.Summon, error) {
	current, err := s.coordinator.Get(ctx, groupID, summonID)
	if err != nil {
		return summon.Summon{}, translate(err)
	}
	if !rbac.Can(rbac.RoleOf(current, session.MemberID), rbac.ActionObserve) {
		return summon.Summon{}, translate(summon.ErrNotAMember)
	}
	return current, nil
}

// Respond records the caller's answer. TIMEOUT is accepted so a device
// whose countdown ran out can close its own slot.
func (s *Service) Respond(ctx context.Context, session Session, groupID, summonID, response string) (summon.Summon, error) {
	status, err := summon.ParseResponseStatus(response)
	if err != nil {
		return summon.Summon{}, translate(err)
	}
	if !status.Terminal() {
		return summon.Summon{}, translate(fmt.Errorf("%w: %s", summon.ErrInvalidResponse, status))
	}
	current, err := s.GetSummon(ctx, session, groupID, summonID)
	if err != nil {
		return summon.Summon{}, err
	}
	if !rbac.Can(rbac.RoleOf(current, session.MemberID), rbac.ActionRespond) {
		return summon.Summon{}, translate(summon.ErrNotExpected)
	}
	recorded, err := s.coordinator.RecordResponse(ctx, groupID, summonID, session.MemberID, status)
	if err != nil {
		return summon.Summon{}, translate(err)
	}
	return recorded, nil
}

// Cancel fails the round early. Cancelling a round that already ended
// returns it unchanged.
func (s *Service) Cancel(ctx context.Context, session Session, groupID, summonID string) (summon.Summon, error) {
	current, err := s.GetSummon(ctx, session, groupID, summonID)
	if err != nil {
		return summon.Summon{}, err
	}
	if !rbac.Can(rbac.RoleOf(current, session.MemberID), rbac.ActionCancel) {
		return summon.Summon{}, translate(summon.ErrNotInitiator)
	}
	if current.Status.Terminal() {
		return current, nil
	}
	cancelled, err := s.coordinator.Cancel(ctx, groupID, summonID, session.MemberID)
	if errors.Is(err, summon.ErrSummonTerminal) {
		return s.GetSummon(ctx, session, groupID, summonID)
	}
	if err != nil {
		return summon.Summon{}, translate(err)
	}
	return cancelled, nil
}

// Expire asks the service to close an overdue round. Any participant may
// call it; the deadline is judged by the service clock.
func (s *Service) Expire(ctx context.Context, session Session, groupID, summonID string) (summon.Summon, error) {
	current, err := s.GetSummon(ctx, session, groupID, summonID)
	if err != nil {
		return summon.Summon{}, err
	}
	if !rbac.Can(rbac.RoleOf(current, session.MemberID), rbac.ActionExpire) {
		return summon.Summon{}, translate(summon.ErrNotAMember)
	}
	if current.Status.Terminal() {
		return current, nil
	}
	expired, err := s.coordinator.Expire(ctx, groupID, summonID)
	if errors.Is(err, summon.ErrSummonTerminal) {
		return s.GetSummon(ctx, session, groupID, summonID)
	}
	if err != nil {
		return summon.Summon{}, translate(err)
	}
	return expired, nil
}

func (s *Service) Observe(ctx context.Context, session Session, groupID, summonID string) (<-chan summon.Summon, error) {
	if _, err := s.GetSummon(ctx, session, groupID, summonID); err != nil {
		return nil, err
	}
	updates, err := s.coordinator.Observe(ctx, groupID, summonID)
	if err != nil {
		return nil, translate(err)
	}
	return updates, nil
}

func (s *Service) Heartbeat(ctx context.Context, session Session, groupID, summonID string, ttl time.Duration) error {
	if ttl > maxPresenceTTL {
		ttl = maxPresenceTTL
	}
	if _, err := s.GetSummon(ctx, session, groupID, summonID); err != nil {
		return err
	}
	return translate(s.presence.Heartbeat(ctx, groupID, summonID, session.MemberID, ttl))
}

func (s *Service) Leave(ctx context.Context, session Session, groupID, summonID string) error {
	return translate(s.presence.Leave(ctx, groupID, summonID, session.MemberID))
}

// Presence reports which participants currently have a device attached.
func (s *Service) Presence(ctx context.Context, session Session, groupID, summonID string) (map[string]bool, error) {
	current, err := s.GetSummon(ctx, session, groupID, summonID)
	if err != nil {
		return nil, err
	}
	members := append([]string{current.InitiatorID}, current.Respondents()...)
	present, err := s.presence.Present(ctx, groupID, summonID, members)
	if err != nil {
		return nil, translate(err)
	}
	return present, nil
}

// ClearActiveSummon drops a group's active pointer without resolving the
// summon it names. It is unsafe on a live round and needs the admin token.
func (s *Service) ClearActiveSummon(ctx context.Context, adminToken, groupID string) (string, error) {
	if s.cfg.AdminToken == "" {
		return "", domainError(http.StatusForbidden, "ADMIN_DISABLED", "Admin operations are disabled", nil)
	}
	if subtle.ConstantTimeCompare([]byte(adminToken), []byte(s.cfg.AdminToken)) != 1 {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	cleared, err := s.coordinator.ClearActive(ctx, groupID)
	if err != nil {
		return "", translate(err)
	}
	return cleared, nil
}

func (s *Service) SummonHistory(ctx context.Context, session Session, groupID string, limit int) ([]store.SummonRecord, error) {
	if s.history == nil {
		return nil, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Summon history is not configured", nil)
	}
	if _, err := s.GetGroup(ctx, session, groupID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return s.history.ListSummonHistory(ctx, groupID, limit)
}

// SummonRecord returns the archived outcome of one round. It outlives the
// live document, which expires after the retention window.
func (s *Service) SummonRecord(ctx context.Context, session Session, groupID, summonID string) (store.SummonRecord, error) {
	if s.history == nil {
		return store.SummonRecord{}, domainError(http.StatusServiceUnavailable, "HISTORY_UNAVAILABLE", "Summon history is not configured", nil)
	}
	if _, err := s.GetGroup(ctx, session, groupID); err != nil {
		return store.SummonRecord{}, err
	}
	record, err := s.history.GetSummonRecord(ctx, summonID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && record.GroupID != groupID) {
		return store.SummonRecord{}, translate(summon.ErrSummonNotFound)
	}
	if err != nil {
		return store.SummonRecord{}, err
	}
	return record, nil
}

// Readiness pings every backing service. A nil entry means healthy.
func (s *Service) Readiness(ctx context.Context) map[string]error {
	checks := map[string]error{"redis": s.realtime.Ping(ctx)}
	if s.history != nil {
		checks["database"] = s.history.Ping(ctx)
	}
	return checks
}

func (s *Service) archiveHistory(ctx context.Context, resolved summon.Summon) error {
	inserted, err := s.history.ArchiveSummon(ctx, summonRecord(resolved, s.now()))
	if err != nil {
		return err
	}
	if !inserted {
		s.logger.Debug("summon already archived", "group_id", resolved.GroupID, "summon_id", resolved.ID)
	}
	return nil
}

func summonRecord(s summon.Summon, now time.Time) store.SummonRecord {
	record := store.SummonRecord{
		SummonID:        s.ID,
		GroupID:         s.GroupID,
		InitiatorID:     s.InitiatorID,
		Status:          string(s.Status),
		Reason:          string(s.Reason),
		Responses:       make(map[string]string, len(s.Responses)),
		RespondentCount: len(s.Responses),
		CreatedAt:       s.CreatedAt,
		ExpiresAt:       s.ExpiresAt,
		ResolvedAt:      now,
	}
	if s.ResolvedAt != nil {
		record.ResolvedAt = *s.ResolvedAt
	}
	for id, status := range s.Responses {
		record.Responses[id] = string(status)
		if status == summon.ResponseAccepted {
			record.AcceptedCount++
		}
	}
	return record
}

// translate maps protocol errors to the DomainError the transport reports.
// Unknown errors pass through unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var active *summon.AlreadyActiveError
	var out *DomainError
	switch {
	case errors.As(err, &active):
		out = domainError(http.StatusConflict, "ALREADY_ACTIVE", "Group already has an active summon", map[string]any{"summonId": active.SummonID})
	case errors.Is(err, summon.ErrAlreadyResponded):
		out = domainError(http.StatusConflict, "ALREADY_RESPONDED", "Response already recorded", nil)
	case errors.Is(err, summon.ErrNotAMember):
		out = domainError(http.StatusForbidden, "NOT_A_MEMBER", "Not a member of this group", nil)
	case errors.Is(err, summon.ErrGroupNotFound):
		out = domainError(http.StatusNotFound, "GROUP_NOT_FOUND", "Group not found", nil)
	case errors.Is(err, summon.ErrSummonNotFound):
		out = domainError(http.StatusNotFound, "SUMMON_NOT_FOUND", "Summon not found", nil)
	case errors.Is(err, summon.ErrGroupExists):
		out = domainError(http.StatusConflict, "GROUP_EXISTS", "Group already exists", nil)
	case errors.Is(err, summon.ErrInvalidGroup):
		out = domainError(http.StatusUnprocessableEntity, "INVALID_GROUP", err.Error(), nil)
	case errors.Is(err, summon.ErrNoRespondents):
		out = domainError(http.StatusUnprocessableEntity, "NO_RESPONDENTS", "Group has no other members to summon", nil)
	case errors.Is(err, summon.ErrNotExpected):
		out = domainError(http.StatusForbidden, "NOT_EXPECTED", "Not an expected respondent", nil)
	case errors.Is(err, summon.ErrInvalidResponse):
		out = domainError(http.StatusUnprocessableEntity, "INVALID_RESPONSE", err.Error(), nil)
	case errors.Is(err, summon.ErrNotInitiator):
		out = domainError(http.StatusForbidden, "NOT_INITIATOR", "Only the initiator may cancel", nil)
	case errors.Is(err, summon.ErrSummonTerminal):
		out = domainError(http.StatusConflict, "SUMMON_TERMINAL", "Summon already resolved", nil)
	case errors.Is(err, summon.ErrNotExpired):
		out = domainError(http.StatusConflict, "NOT_EXPIRED", "Summon has not expired yet", nil)
	case errors.Is(err, presence.ErrInvalidTTL):
		out = domainError(http.StatusUnprocessableEntity, "INVALID_TTL", "Presence ttl must be positive", nil)
	case errors.Is(err, realtime.ErrConflict):
		out = domainError(http.StatusServiceUnavailable, "CONFLICT", "Too much contention, retry", nil)
	}
	if out == nil {
		return err
	}
	out.Cause = err
	return out
}
