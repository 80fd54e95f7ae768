package app

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"lexicontract/api/internal/auth"
	"lexicontract/api/internal/authpw"
	"lexicontract/api/internal/clausegen"
	"lexicontract/api/internal/config"
	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/export"
	"lexicontract/api/internal/gitrepo"
	"lexicontract/api/internal/presence"
	"lexicontract/api/internal/rbac"
	"lexicontract/api/internal/roomhub"
	"lexicontract/api/internal/search"
	"lexicontract/api/internal/store"
	"lexicontract/api/internal/util"

	"nhooyr.io/websocket"
)

// devOrganization owns every user created through the name login.
const devOrganization = "LexiContract Demo"

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	OrgID        string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	EnsureOrganization(context.Context, string) (store.Organization, error)
	EnsureUserByName(context.Context, string, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	GetUserByEmail(context.Context, string) (store.User, error)
	CreateUser(context.Context, string, store.User) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	ListContracts(context.Context, string) ([]contract.Contract, error)
	GetContract(context.Context, string) (contract.Contract, error)
	CreateContract(context.Context, contract.Contract, contract.Version, []contract.AnalysisSuggestion) error
	InsertVersion(context.Context, contract.Version, []contract.AnalysisSuggestion) error
	GetVersion(context.Context, string, string) (contract.Version, error)
	LatestVersion(context.Context, string) (contract.Version, error)
	ListVersions(context.Context, string) ([]contract.Version, error)
	SetVersionCommit(context.Context, string, string) error
	UpdateNegotiationStatus(context.Context, string, contract.NegotiationStatus) error
	ListSuggestions(context.Context, string) ([]contract.AnalysisSuggestion, error)
	GetSuggestion(context.Context, string) (store.Suggestion, error)
	ResolveSuggestion(context.Context, string, contract.Status) (bool, error)
	InsertComment(context.Context, string, contract.UserComment) (contract.UserComment, error)
	ListComments(context.Context, string) ([]contract.UserComment, error)
	RecordSyncSession(context.Context, store.SyncSession) (bool, error)
	GetSyncSession(context.Context, string) (store.SyncSession, error)
	Ping(ctx context.Context) error
}

// RefreshStore persists refresh tokens by hash. Postgres and Redis both
// implement it.
type RefreshStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	// ConsumeRefreshSession returns and invalidates a session in one step.
	ConsumeRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

// Roster tracks who is watching a contract room.
type Roster interface {
	Join(ctx context.Context, room, sessionID string, state presence.State, ttl time.Duration) error
	Leave(ctx context.Context, room, sessionID string) error
	Roster(ctx context.Context, room string) ([]presence.Peer, error)
}

type gitService interface {
	EnsureContractRepo(string, gitrepo.Content, string) (store.CommitInfo, error)
	CommitSnapshot(string, gitrepo.Content, string, string) (store.CommitInfo, bool, error)
	HeadContent(string) (gitrepo.Content, store.CommitInfo, error)
	History(string, int) ([]store.CommitInfo, error)
	TagVersion(string, string, int) error
	Diff(string, string, string) (string, error)
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexContract(search.ContractRecord)
	IndexSuggestions([]search.SuggestionRecord)
	IndexComment(search.CommentRecord)
	ReindexAllFromPG(context.Context, search.RecordLoader)
}

type exporter interface {
	Export(context.Context, contract.VersionDetail, export.Format) (*export.Result, error)
}

type roomBroker interface {
	Serve(http.ResponseWriter, *http.Request, string, *websocket.AcceptOptions) error
	Broadcast(string, roomhub.Event) error
}

// Deps are the collaborators wired by cmd/api. Optional ones may be nil.
type Deps struct {
	Store   *store.PostgresStore
	Git     *gitrepo.Service
	Refresh RefreshStore
	Search  *search.Service
	Loader  search.RecordLoader
	Export  *export.Service
	Clauses clausegen.Generator
	Hub     *roomhub.Hub
	Roster  Roster
	Log     zerolog.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	refresh   RefreshStore
	git       gitService
	passwords *authpw.Service
	search    searchService
	loader    search.RecordLoader
	export    exporter
	clauses   clausegen.Generator
	rooms     roomBroker
	roster    Roster
	palette   presence.Palette
	rosterTTL time.Duration
	log       zerolog.Logger
	now       func() time.Time
}

func New(cfg config.Config, deps Deps) *Service {
	s := &Service{
		cfg:       cfg,
		store:     deps.Store,
		refresh:   deps.Refresh,
		git:       deps.Git,
		passwords: authpw.NewService(deps.Store),
		loader:    deps.Loader,
		clauses:   deps.Clauses,
		roster:    deps.Roster,
		palette:   presence.NewPalette(cfg.Overlay.Palette),
		rosterTTL: 2 * time.Minute,
		log:       deps.Log,
		now:       time.Now,
	}
	if s.refresh == nil {
		s.refresh = deps.Store
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Export != nil {
		s.export = deps.Export
	}
	if deps.Hub != nil {
		s.rooms = deps.Hub
	}
	return s
}

func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	org, err := s.store.EnsureOrganization(ctx, devOrganization)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.EnsureUserByName(ctx, org.ID, userName)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, passwordError(err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, passwordError(err)
	}
	s.log.Info().Str("user_id", user.ID).Str("org_id", user.OrgID).Str("role", user.Role).Msg("user signed up")
	return s.issueSession(ctx, user)
}

func passwordError(err error) error {
	var validation *authpw.ValidationError
	switch {
	case errors.As(err, &validation):
		return invalid(validation.Message, nil)
	case errors.Is(err, authpw.ErrEmailTaken):
		return domainError(http.StatusConflict, "EMAIL_EXISTS", "Email already registered", nil)
	case errors.Is(err, authpw.ErrAccountDisabled):
		return domainError(http.StatusForbidden, "ACCOUNT_DISABLED", "Account is disabled", nil)
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return err
}

// Refresh rotates a refresh token; each token can be redeemed once. The
// user is reloaded so role changes and deactivation take effect on the
// next refresh.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	stored, err := s.refresh.ConsumeRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, stored.ID)
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, auth.ErrInvalidToken
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	role := string(rbac.Normalize(user.Role))

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: role,
		Org:  user.OrgID,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         role,
		OrgID:        user.OrgID,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if !user.IsActive || user.OrgID != claims.Org {
		return Session{}, auth.ErrInvalidToken
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      string(rbac.Normalize(user.Role)),
		OrgID:     user.OrgID,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.log.Warn().Err(err).Str("user_id", session.UserID).Msg("revoke access token")
		}
	}
	if refreshToken != "" {
		if err := s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.log.Warn().Err(err).Str("user_id", session.UserID).Msg("revoke refresh token")
		}
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// Ping checks the health of service dependencies (database, etc.)
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap seeds the demo organization with a sample agreement the first
// time the server starts against an empty database.
func (s *Service) Bootstrap(ctx context.Context) error {
	org, err := s.store.EnsureOrganization(ctx, devOrganization)
	if err != nil {
		return err
	}
	existing, err := s.store.ListContracts(ctx, org.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	owner, err := s.store.EnsureUserByName(ctx, org.ID, "Avery")
	if err != nil {
		return err
	}

	text := sampleAgreement
	units := contract.Encode(text)
	var suggestions []CreateSuggestionInput
	for _, seed := range sampleSuggestions {
		start := strings.Index(text, seed.original)
		if start < 0 {
			continue
		}
		startUnits := contract.Length(text[:start])
		endUnits := startUnits + contract.Length(seed.original)
		if endUnits > units.Len() {
			continue
		}
		replacement := seed.suggested
		suggestions = append(suggestions, CreateSuggestionInput{
			Span:          contract.NewSpan(startUnits, endUnits),
			SuggestedText: &replacement,
			Comment:       seed.comment,
			RiskCategory:  seed.risk,
		})
	}

	session := Session{UserID: owner.ID, UserName: owner.DisplayName, OrgID: org.ID, Role: string(rbac.RoleAdmin)}
	detail, err := s.CreateContract(ctx, session, CreateContractInput{
		Filename:    "Master Services Agreement.txt",
		Text:        text,
		Suggestions: suggestions,
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("contract_id", detail.Contract.ID).Msg("seeded sample contract")
	return nil
}

const sampleAgreement = `MASTER SERVICES AGREEMENT

1. Services. The Supplier shall provide the services described in each Statement of Work.

2. Fees. The Customer shall pay all undisputed invoices within 60 days of receipt.

3. Liability. The Supplier's total liability shall be unlimited.

4. Termination. Either party may terminate this Agreement on 10 days written notice.
`

var sampleSuggestions = []struct {
	original  string
	suggested string
	comment   string
	risk      string
}{
	{"within 60 days", "within 30 days", "Sixty-day terms strain working capital; 30 days is market standard.", "payment"},
	{"shall be unlimited", "shall not exceed the fees paid in the preceding 12 months", "Uncapped liability is uninsurable.", "liability"},
	{"10 days written notice", "90 days written notice", "Ten days leaves no time to transition services.", "termination"},
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
