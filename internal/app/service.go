package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"mychat/api/internal/auth"
	"mychat/api/internal/authpw"
	"mychat/api/internal/config"
	"mychat/api/internal/export"
	"mychat/api/internal/notify"
	"mychat/api/internal/oauth"
	"mychat/api/internal/rbac"
	"mychat/api/internal/realtime"
	"mychat/api/internal/search"
	"mychat/api/internal/storage"
	"mychat/api/internal/store"
	"mychat/api/internal/timeline"
	"mychat/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	UserName     string
	Email        string
	AvatarURL    string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// DataStore is the relational storage the API runs on.
type DataStore interface {
	Ping(context.Context) error
	ListUsers(context.Context) ([]store.User, error)
	GetUserByID(context.Context, int64) (store.User, error)
	CreateUser(context.Context, store.User) (store.User, error)
	UpdateUser(context.Context, int64, store.UserUpdate) (store.User, error)
	DeleteUser(context.Context, int64) error
	UpsertGoogleUser(context.Context, store.GoogleProfile) (store.User, bool, error)
	ListRooms(context.Context) ([]store.Room, error)
	GetRoom(context.Context, int64) (store.Room, error)
	CreateRoom(context.Context, string, string) (store.Room, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	GetMessage(context.Context, int64) (store.Message, error)
	ListRoomMessages(context.Context, int64) ([]store.Message, error)
	ListThreadReplies(context.Context, int64) ([]store.Message, error)
	ThreadStats(context.Context, int64) (int, time.Time, error)
	InsertDirectMessage(context.Context, store.DirectMessage) (store.DirectMessage, error)
	ListDirectMessages(context.Context, int64, int64) ([]store.DirectMessage, error)
	InsertMentions(context.Context, []store.Mention) error
	MentionCounts(context.Context, int64) (store.MentionCounts, error)
	MarkRoomMentionsRead(context.Context, int64, int64) (int64, error)
	MarkDirectMentionsRead(context.Context, int64, int64) (int64, error)
}

// SessionStore keeps refresh sessions and revoked access tokens. Both the
// Postgres store and the Redis session store implement it.
type SessionStore interface {
	SaveRefreshSession(context.Context, string, int64, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
}

// Publisher fans events out to realtime subscribers.
type Publisher interface {
	Publish(ctx context.Context, channel, name string, data any) (realtime.Event, error)
}

type Searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexMessage(record search.MessageRecord)
	RemoveUser(userID int64)
}

type Exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type FileStore interface {
	Upload(ctx context.Context, r io.Reader, size int64, originalName, contentType, uploadedBy string) (storage.File, error)
	Open(ctx context.Context, fileURL string) (io.ReadCloser, storage.ObjectInfo, error)
	MaxBytes() int64
	Ping(ctx context.Context) error
}

type OAuthProvider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (oauth.Profile, error)
	Authorize(profile oauth.Profile) error
}

type Credentials interface {
	SignIn(ctx context.Context, email, password string) (store.User, error)
	RequestMagicLink(ctx context.Context, email string) (authpw.MagicLinkResult, error)
	VerifyMagicLink(ctx context.Context, token string) (store.User, error)
}

// Deps are the collaborators of a Service. Optional ones are left nil when
// the feature is not configured.
type Deps struct {
	Store       DataStore
	Sessions    SessionStore
	Publisher   Publisher
	Search      Searcher
	Export      Exporter
	Files       FileStore
	OAuth       OAuthProvider
	Credentials Credentials
	// Checks are extra readiness probes keyed by component name.
	Checks map[string]func(context.Context) error
}

type Service struct {
	cfg         config.Config
	store       DataStore
	sessions    SessionStore
	publisher   Publisher
	notifier    *notify.Notifier
	search      Searcher
	export      Exporter
	files       FileStore
	oauth       OAuthProvider
	credentials Credentials
	checks      map[string]func(context.Context) error
	recent      *timeline.Cache
	now         func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:         cfg,
		store:       deps.Store,
		sessions:    deps.Sessions,
		publisher:   deps.Publisher,
		search:      deps.Search,
		export:      deps.Export,
		files:       deps.Files,
		oauth:       deps.OAuth,
		credentials: deps.Credentials,
		checks:      deps.Checks,
		recent:      timeline.NewCache(timeline.DefaultWindow, timeline.DefaultCapacity),
		now:         time.Now,
	}
	if s.sessions == nil {
		if sessions, ok := deps.Store.(SessionStore); ok {
			s.sessions = sessions
		}
	}
	if s.publisher != nil {
		s.notifier = notify.New(s.publisher)
	}
	return s
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Ready probes the database and every configured backing service.
func (s *Service) Ready(ctx context.Context) (bool, map[string]any) {
	ready := true
	checks := map[string]any{}
	probe := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			ready = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	probe("database", s.store.Ping)
	if s.files != nil {
		probe("storage", s.files.Ping)
	}
	for name, ping := range s.checks {
		probe(name, ping)
	}
	return ready, checks
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   strconv.FormatInt(user.ID, 10),
		Name:  user.Username,
		Email: user.Email,
		Role:  string(rbac.Normalize(user.Role)),
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.RandomHex(16)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		Email:        user.Email,
		AvatarURL:    user.AvatarURL,
		Role:         string(rbac.Normalize(user.Role)),
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates an access token. The user, and with it the
// role, is re-read from the database so role changes apply immediately.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	userID, err := strconv.ParseInt(claims.Sub, 10, 64)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.Username,
		Email:     user.Email,
		AvatarURL: user.AvatarURL,
		Role:      string(rbac.Normalize(user.Role)),
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Refresh rotates a refresh token into a new session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return Session{}, auth.ErrInvalidToken
	}
	tokenHash := auth.HashToken(refreshToken)
	holder, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, auth.ErrInvalidToken
	}
	user, err := s.store.GetUserByID(ctx, holder.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, auth.ErrInvalidToken
	}
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			return fmt.Errorf("revoke access token: %w", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			return fmt.Errorf("revoke refresh token: %w", err)
		}
	}
	return nil
}

func parseID(value string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
