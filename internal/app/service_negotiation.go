package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lexicontract/api/internal/clausegen"
	"lexicontract/api/internal/export"
	"lexicontract/api/internal/gitrepo"
	"lexicontract/api/internal/presence"
	"lexicontract/api/internal/search"
	"lexicontract/api/internal/store"
	"lexicontract/api/internal/util"

	"nhooyr.io/websocket"
)

// GenerateClause drafts clause text for prompt.
func (s *Service) GenerateClause(ctx context.Context, prompt string) (string, error) {
	prompt, err := clausegen.Validate(prompt)
	switch {
	case errors.Is(err, clausegen.ErrEmptyPrompt):
		return "", invalid("prompt is required", nil)
	case errors.Is(err, clausegen.ErrPromptTooLong):
		return "", invalid("prompt is too long", nil)
	}
	if s.clauses == nil {
		return "", unavailable("CLAUSE_UNAVAILABLE", "Clause generation is not configured")
	}

	text, err := s.clauses.Generate(ctx, prompt)
	if err == nil {
		return text, nil
	}
	var upstream *clausegen.UpstreamError
	switch {
	case errors.Is(err, clausegen.ErrRateLimited):
		return "", domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Clause generation is rate limited, try again shortly", nil)
	case errors.As(err, &upstream):
		s.log.Warn().Int("upstream_status", upstream.Status).Msg("clause generation failed")
		return "", domainError(http.StatusBadGateway, "CLAUSE_FAILED", "Clause generation failed", map[string]any{"retryable": upstream.Temporary()})
	case errors.Is(err, clausegen.ErrResponseInvalid):
		return "", domainError(http.StatusBadGateway, "CLAUSE_FAILED", "Clause generation returned no text", nil)
	}
	return "", err
}

// Export renders a version with its suggestions. versionID "" or "latest"
// exports the newest version.
func (s *Service) Export(ctx context.Context, session Session, contractID, versionID, format string) (*export.Result, error) {
	parsed, err := export.ParseFormat(strings.ToLower(strings.TrimSpace(format)))
	if err != nil {
		return nil, invalid("format must be text, html or pdf", map[string]any{"format": format})
	}
	if s.export == nil {
		return nil, unavailable("EXPORT_UNAVAILABLE", "Export is not configured")
	}
	detail, err := s.loadDetail(ctx, session, contractID, versionID)
	if err != nil {
		return nil, err
	}
	result, err := s.export.Export(ctx, detail, parsed)
	if errors.Is(err, export.ErrPDFDependencyMissing) {
		return nil, unavailable("EXPORT_UNAVAILABLE", "PDF export is unavailable on this server")
	}
	return result, err
}

// Diff compares two revisions of a contract's history. Revisions are
// version tags ("v1"), commit hashes or "HEAD"; from defaults to v1 and to
// defaults to HEAD.
func (s *Service) Diff(ctx context.Context, session Session, contractID, from, to string) (map[string]any, error) {
	if _, err := s.contractFor(ctx, session, contractID); err != nil {
		return nil, err
	}
	from = firstNonBlank(strings.TrimSpace(from), gitrepo.VersionTag(1))
	to = firstNonBlank(strings.TrimSpace(to), "HEAD")
	diff, err := s.git.Diff(contractID, from, to)
	if err != nil {
		return nil, historyError(err)
	}
	return map[string]any{"from": from, "to": to, "diff": diff}, nil
}

func (s *Service) History(ctx context.Context, session Session, contractID string, limit int) ([]store.CommitInfo, error) {
	if _, err := s.contractFor(ctx, session, contractID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	commits, err := s.git.History(contractID, limit)
	if err != nil {
		return nil, historyError(err)
	}
	return commits, nil
}

func historyError(err error) error {
	switch {
	case errors.Is(err, gitrepo.ErrRepoNotFound):
		return domainError(http.StatusNotFound, "HISTORY_NOT_FOUND", "Contract has no history yet", nil)
	case errors.Is(err, gitrepo.ErrRevisionNotFound):
		return domainError(http.StatusNotFound, "REVISION_NOT_FOUND", "Revision not found", nil)
	}
	return err
}

func (s *Service) Search(ctx context.Context, session Session, text, resultType string, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{
		Text:   text,
		Type:   search.ParseResultType(resultType),
		OrgID:  session.OrgID,
		Limit:  limit,
		Offset: offset,
	})
}

// Reindex rebuilds the search index from Postgres in the background.
func (s *Service) Reindex(ctx context.Context) error {
	if s.search == nil || s.loader == nil {
		return unavailable("SEARCH_UNAVAILABLE", "Search indexing is not configured")
	}
	go s.search.ReindexAllFromPG(context.WithoutCancel(ctx), s.loader)
	return nil
}

// ServeRoom streams a contract's room events over a websocket and lists the
// caller in the room roster while connected.
func (s *Service) ServeRoom(w http.ResponseWriter, r *http.Request, session Session, contractID string) error {
	if _, err := s.contractFor(r.Context(), session, contractID); err != nil {
		return err
	}
	if s.rooms == nil {
		return unavailable("ROOMS_UNAVAILABLE", "Room events are not configured")
	}

	subscriberID := util.NewID("sub")
	if s.roster != nil {
		state := presence.State{User: presence.User{
			Name:  session.UserName,
			Color: s.palette.ColorFor(session.UserID),
		}}
		if err := s.roster.Join(r.Context(), contractID, subscriberID, state, s.rosterTTL); err != nil {
			s.log.Warn().Err(err).Str("contract_id", contractID).Msg("join room roster")
		}
		defer func() {
			if err := s.roster.Leave(context.WithoutCancel(r.Context()), contractID, subscriberID); err != nil {
				s.log.Warn().Err(err).Str("contract_id", contractID).Msg("leave room roster")
			}
		}()
	}

	opts := &websocket.AcceptOptions{}
	if origin := strings.TrimSpace(s.cfg.CORSOrigin); origin == "" || origin == "*" {
		opts.InsecureSkipVerify = true
	} else {
		opts.OriginPatterns = []string{strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://")}
	}
	return s.rooms.Serve(w, r, contractID, opts)
}

func (s *Service) Presence(ctx context.Context, session Session, contractID string) ([]presence.Peer, error) {
	if _, err := s.contractFor(ctx, session, contractID); err != nil {
		return nil, err
	}
	if s.roster == nil {
		return []presence.Peer{}, nil
	}
	return s.roster.Roster(ctx, contractID)
}

type SyncSessionEnded struct {
	SessionID   string  `json:"sessionId"`
	ContractID  string  `json:"contractId"`
	VersionID   string  `json:"versionId"`
	Actor       string  `json:"actor"`
	UpdateCount int     `json:"updateCount"`
	Snapshot    *string `json:"snapshot"`
}

// HandleSyncSessionEnded flushes the collaborative text of a finished
// editing session into the contract's history. Replays of the same session
// id return the first result.
func (s *Service) HandleSyncSessionEnded(ctx context.Context, input SyncSessionEnded) (map[string]any, error) {
	input.SessionID = strings.TrimSpace(input.SessionID)
	if input.SessionID == "" {
		return nil, invalid("sessionId is required", nil)
	}
	if strings.TrimSpace(input.ContractID) == "" {
		return nil, invalid("contractId is required", nil)
	}
	if recorded, err := s.store.GetSyncSession(ctx, input.SessionID); err == nil {
		return syncPayload(recorded), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	item, err := s.store.GetContract(ctx, input.ContractID)
	if err != nil {
		return nil, err
	}
	version, err := s.resolveVersion(ctx, input.ContractID, input.VersionID)
	if err != nil {
		return nil, err
	}

	record := store.SyncSession{
		SessionID:   input.SessionID,
		ContractID:  input.ContractID,
		VersionID:   version.ID,
		UpdateCount: input.UpdateCount,
	}
	if input.Snapshot != nil {
		commit, changed, err := s.git.CommitSnapshot(item.ID, gitrepo.Content{
			Text:          *input.Snapshot,
			Filename:      item.Filename,
			VersionID:     version.ID,
			VersionNumber: version.Number,
		}, firstNonBlank(input.Actor, "Sync Gateway"), fmt.Sprintf("Sync session flush (%d updates)", max(input.UpdateCount, 1)))
		if err != nil {
			return nil, historyError(err)
		}
		if changed {
			record.CommitHash = commit.Hash
		}
	}

	inserted, err := s.store.RecordSyncSession(ctx, record)
	if err != nil {
		return nil, err
	}
	if !inserted {
		recorded, err := s.store.GetSyncSession(ctx, input.SessionID)
		if err != nil {
			return nil, err
		}
		return syncPayload(recorded), nil
	}
	s.log.Info().
		Str("session_id", record.SessionID).
		Str("contract_id", record.ContractID).
		Str("commit", record.CommitHash).
		Int("updates", record.UpdateCount).
		Msg("sync session flushed")
	return syncPayload(record), nil
}

func syncPayload(record store.SyncSession) map[string]any {
	var flush any
	if record.CommitHash != "" {
		flush = record.CommitHash
	}
	return map[string]any{
		"ok":          true,
		"sessionId":   record.SessionID,
		"contractId":  record.ContractID,
		"versionId":   record.VersionID,
		"flushCommit": flush,
		"updateCount": record.UpdateCount,
	}
}
