package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"lexicontract/api/internal/contract"
	"lexicontract/api/internal/gitrepo"
	"lexicontract/api/internal/highlight"
	"lexicontract/api/internal/roomhub"
	"lexicontract/api/internal/search"
	"lexicontract/api/internal/store"
	"lexicontract/api/internal/util"
)

// VersionView is a version as served to negotiation rooms: the stored
// detail plus the highlight segments computed from it.
type VersionView struct {
	contract.VersionDetail
	Segments []highlight.View `json:"segments"`
}

type CreateSuggestionInput struct {
	Span          contract.Span `json:"span"`
	SuggestedText *string       `json:"suggestedText"`
	Comment       string        `json:"comment"`
	RiskCategory  string        `json:"riskCategory"`
}

type CreateContractInput struct {
	Filename    string                  `json:"filename"`
	Text        string                  `json:"fullText"`
	Suggestions []CreateSuggestionInput `json:"suggestions"`
}

type CreateVersionInput struct {
	Text        string                  `json:"fullText"`
	Suggestions []CreateSuggestionInput `json:"suggestions"`
}

var negotiationStatuses = map[contract.NegotiationStatus]struct{}{
	contract.NegotiationDrafting:  {},
	contract.NegotiationInternal:  {},
	contract.NegotiationExternal:  {},
	contract.NegotiationSignature: {},
	contract.NegotiationSigned:    {},
}

func (s *Service) ListContracts(ctx context.Context, session Session) ([]contract.Contract, error) {
	return s.store.ListContracts(ctx, session.OrgID)
}

// contractFor loads a contract and checks it belongs to the caller's
// organization.
func (s *Service) contractFor(ctx context.Context, session Session, contractID string) (contract.Contract, error) {
	item, err := s.store.GetContract(ctx, contractID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return contract.Contract{}, domainError(http.StatusNotFound, "CONTRACT_NOT_FOUND", "Contract not found", nil)
		}
		return contract.Contract{}, err
	}
	if item.OrgID != session.OrgID {
		return contract.Contract{}, domainError(http.StatusForbidden, "FORBIDDEN", "Contract belongs to another organization", nil)
	}
	return item, nil
}

func (s *Service) GetContract(ctx context.Context, session Session, contractID string) (contract.Contract, error) {
	return s.contractFor(ctx, session, contractID)
}

// resolveVersion loads versionID of contractID; "latest" or "" selects the
// newest version.
func (s *Service) resolveVersion(ctx context.Context, contractID, versionID string) (contract.Version, error) {
	var (
		version contract.Version
		err     error
	)
	if versionID == "" || versionID == "latest" {
		version, err = s.store.LatestVersion(ctx, contractID)
	} else {
		version, err = s.store.GetVersion(ctx, contractID, versionID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return contract.Version{}, domainError(http.StatusNotFound, "VERSION_NOT_FOUND", "Version not found", nil)
	}
	return version, err
}

func (s *Service) loadDetail(ctx context.Context, session Session, contractID, versionID string) (contract.VersionDetail, error) {
	item, err := s.contractFor(ctx, session, contractID)
	if err != nil {
		return contract.VersionDetail{}, err
	}
	version, err := s.resolveVersion(ctx, contractID, versionID)
	if err != nil {
		return contract.VersionDetail{}, err
	}
	suggestions, err := s.store.ListSuggestions(ctx, version.ID)
	if err != nil {
		return contract.VersionDetail{}, err
	}
	comments, err := s.store.ListComments(ctx, version.ID)
	if err != nil {
		return contract.VersionDetail{}, err
	}
	return contract.VersionDetail{
		Contract:    item,
		Version:     version,
		Suggestions: suggestions,
		Comments:    comments,
	}, nil
}

func (s *Service) GetVersion(ctx context.Context, session Session, contractID, versionID string) (VersionView, error) {
	detail, err := s.loadDetail(ctx, session, contractID, versionID)
	if err != nil {
		return VersionView{}, err
	}
	segments := highlight.Segments(detail.Version.FullText, detail.Suggestions, detail.Comments)
	return VersionView{
		VersionDetail: detail,
		Segments:      highlight.DefaultStyles().Render(segments, ""),
	}, nil
}

func (s *Service) ListVersions(ctx context.Context, session Session, contractID string) ([]contract.Version, error) {
	if _, err := s.contractFor(ctx, session, contractID); err != nil {
		return nil, err
	}
	return s.store.ListVersions(ctx, contractID)
}

// buildSuggestions validates analysis input against text and fills in ids
// and original text.
func buildSuggestions(text string, inputs []CreateSuggestionInput) ([]contract.AnalysisSuggestion, error) {
	units := contract.Encode(text)
	out := make([]contract.AnalysisSuggestion, 0, len(inputs))
	for i, in := range inputs {
		if !in.Span.Usable(units.Len()) {
			return nil, invalid(
				fmt.Sprintf("suggestions[%d] span is outside the text", i), nil)
		}
		out = append(out, contract.AnalysisSuggestion{
			ID:            util.NewID("sug"),
			Span:          in.Span,
			OriginalText:  units.Slice(in.Span.Start.Value, in.Span.End.Value),
			SuggestedText: in.SuggestedText,
			Comment:       strings.TrimSpace(in.Comment),
			RiskCategory:  firstNonBlank(strings.TrimSpace(in.RiskCategory), "general"),
			Status:        contract.StatusSuggested,
		})
	}
	return out, nil
}

// CreateContract uploads a contract as version 1, opens its history repo
// and tags the baseline commit.
func (s *Service) CreateContract(ctx context.Context, session Session, input CreateContractInput) (VersionView, error) {
	filename := strings.TrimSpace(input.Filename)
	if filename == "" {
		return VersionView{}, invalid("filename is required", nil)
	}
	if strings.TrimSpace(input.Text) == "" {
		return VersionView{}, invalid("fullText is required", nil)
	}
	suggestions, err := buildSuggestions(input.Text, input.Suggestions)
	if err != nil {
		return VersionView{}, err
	}

	item := contract.Contract{
		ID:                util.NewID("ctr"),
		OrgID:             session.OrgID,
		Filename:          filename,
		NegotiationStatus: contract.NegotiationDrafting,
		UploaderID:        session.UserID,
	}
	version := contract.Version{
		ID:         util.NewID("ver"),
		ContractID: item.ID,
		Number:     1,
		FullText:   input.Text,
		UploaderID: session.UserID,
	}
	if err := s.store.CreateContract(ctx, item, version, suggestions); err != nil {
		return VersionView{}, err
	}

	commit, err := s.git.EnsureContractRepo(item.ID, gitrepo.Content{
		Text:          version.FullText,
		Filename:      item.Filename,
		VersionID:     version.ID,
		VersionNumber: version.Number,
	}, session.UserName)
	if err != nil {
		return VersionView{}, fmt.Errorf("init contract history: %w", err)
	}
	s.recordVersionCommit(ctx, item.ID, version, commit.Hash)

	s.index(item, version, suggestions)
	return s.GetVersion(ctx, session, item.ID, version.ID)
}

// CreateVersion uploads a new revision of an existing contract, for example
// a counterparty redline, with its own analysis suggestions.
func (s *Service) CreateVersion(ctx context.Context, session Session, contractID string, input CreateVersionInput) (VersionView, error) {
	item, err := s.contractFor(ctx, session, contractID)
	if err != nil {
		return VersionView{}, err
	}
	if strings.TrimSpace(input.Text) == "" {
		return VersionView{}, invalid("fullText is required", nil)
	}
	suggestions, err := buildSuggestions(input.Text, input.Suggestions)
	if err != nil {
		return VersionView{}, err
	}
	parent, err := s.resolveVersion(ctx, contractID, "latest")
	if err != nil {
		return VersionView{}, err
	}

	version := contract.Version{
		ID:         util.NewID("ver"),
		ContractID: contractID,
		Number:     parent.Number + 1,
		FullText:   input.Text,
		ParentID:   parent.ID,
		UploaderID: session.UserID,
	}
	if err := s.store.InsertVersion(ctx, version, suggestions); err != nil {
		return VersionView{}, err
	}

	commit, _, err := s.git.CommitSnapshot(contractID, gitrepo.Content{
		Text:          version.FullText,
		Filename:      item.Filename,
		VersionID:     version.ID,
		VersionNumber: version.Number,
	}, session.UserName, fmt.Sprintf("Upload version %d", version.Number))
	if err != nil {
		return VersionView{}, fmt.Errorf("commit version: %w", err)
	}
	s.recordVersionCommit(ctx, contractID, version, commit.Hash)

	s.index(item, version, suggestions)
	return s.GetVersion(ctx, session, contractID, version.ID)
}

func (s *Service) recordVersionCommit(ctx context.Context, contractID string, version contract.Version, hash string) {
	if hash == "" {
		return
	}
	if err := s.store.SetVersionCommit(ctx, version.ID, hash); err != nil {
		s.log.Warn().Err(err).Str("version_id", version.ID).Msg("record version commit")
	}
	if err := s.git.TagVersion(contractID, hash, version.Number); err != nil {
		s.log.Warn().Err(err).Str("contract_id", contractID).Int("version", version.Number).Msg("tag version")
	}
}

func (s *Service) index(item contract.Contract, version contract.Version, suggestions []contract.AnalysisSuggestion) {
	if s.search == nil {
		return
	}
	s.search.IndexContract(search.ContractRecord{
		ID:                item.ID,
		OrgID:             item.OrgID,
		Filename:          item.Filename,
		NegotiationStatus: string(item.NegotiationStatus),
		VersionID:         version.ID,
		Text:              version.FullText,
	})
	records := make([]search.SuggestionRecord, 0, len(suggestions))
	for _, sg := range suggestions {
		records = append(records, suggestionRecord(item, version.ID, sg))
	}
	s.search.IndexSuggestions(records)
}

func suggestionRecord(item contract.Contract, versionID string, sg contract.AnalysisSuggestion) search.SuggestionRecord {
	record := search.SuggestionRecord{
		ID:           sg.ID,
		OrgID:        item.OrgID,
		ContractID:   item.ID,
		VersionID:    versionID,
		OriginalText: sg.OriginalText,
		Comment:      sg.Comment,
		RiskCategory: sg.RiskCategory,
		Status:       string(sg.Status),
	}
	if sg.SuggestedText != nil {
		record.SuggestedText = *sg.SuggestedText
	}
	return record
}

func (s *Service) UpdateNegotiationStatus(ctx context.Context, session Session, contractID, status string) (contract.Contract, error) {
	next := contract.NegotiationStatus(strings.TrimSpace(status))
	if _, ok := negotiationStatuses[next]; !ok {
		return contract.Contract{}, invalid("unknown negotiation status", map[string]any{"status": status})
	}
	if _, err := s.contractFor(ctx, session, contractID); err != nil {
		return contract.Contract{}, err
	}
	if err := s.store.UpdateNegotiationStatus(ctx, contractID, next); err != nil {
		return contract.Contract{}, err
	}
	return s.store.GetContract(ctx, contractID)
}

// ResolveSuggestion accepts or rejects a suggestion of one version. A
// suggestion resolves once; later attempts conflict.
func (s *Service) ResolveSuggestion(ctx context.Context, session Session, contractID, versionID, suggestionID, status string) (contract.AnalysisSuggestion, error) {
	next, err := contract.ParseStatus(status)
	if err != nil || !next.Terminal() {
		return contract.AnalysisSuggestion{}, invalid("status must be accepted or rejected", map[string]any{"status": status})
	}
	item, err := s.contractFor(ctx, session, contractID)
	if err != nil {
		return contract.AnalysisSuggestion{}, err
	}
	version, err := s.resolveVersion(ctx, contractID, versionID)
	if err != nil {
		return contract.AnalysisSuggestion{}, err
	}

	stored, err := s.store.GetSuggestion(ctx, suggestionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && (stored.ContractID != contractID || stored.VersionID != version.ID)) {
		return contract.AnalysisSuggestion{}, domainError(http.StatusNotFound, "SUGGESTION_NOT_FOUND", "Suggestion not found", nil)
	}
	if err != nil {
		return contract.AnalysisSuggestion{}, err
	}
	if stored.Status.Terminal() {
		return contract.AnalysisSuggestion{}, domainError(http.StatusConflict, "SUGGESTION_RESOLVED", "Suggestion already resolved", map[string]any{"status": stored.Status})
	}

	updated, err := s.store.ResolveSuggestion(ctx, suggestionID, next)
	if err != nil {
		return contract.AnalysisSuggestion{}, err
	}
	if !updated {
		current, err := s.store.GetSuggestion(ctx, suggestionID)
		if err != nil {
			return contract.AnalysisSuggestion{}, err
		}
		return contract.AnalysisSuggestion{}, domainError(http.StatusConflict, "SUGGESTION_RESOLVED", "Suggestion already resolved", map[string]any{"status": current.Status})
	}

	result := stored.AnalysisSuggestion
	result.Status = next
	result.VersionID = version.ID
	s.log.Info().
		Str("contract_id", contractID).
		Str("suggestion_id", suggestionID).
		Str("status", string(next)).
		Str("user_id", session.UserID).
		Msg("suggestion resolved")

	s.broadcast(contractID, roomhub.Event{Type: roomhub.EventSuggestionUpdated, Data: result})
	if s.search != nil {
		s.search.IndexSuggestions([]search.SuggestionRecord{suggestionRecord(item, version.ID, result)})
	}
	return result, nil
}

func (s *Service) AddComment(ctx context.Context, session Session, contractID, versionID string, span contract.Span, text string) (contract.UserComment, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return contract.UserComment{}, invalid("commentText is required", nil)
	}
	item, err := s.contractFor(ctx, session, contractID)
	if err != nil {
		return contract.UserComment{}, err
	}
	version, err := s.resolveVersion(ctx, contractID, versionID)
	if err != nil {
		return contract.UserComment{}, err
	}
	if !span.Usable(contract.Length(version.FullText)) {
		return contract.UserComment{}, invalid("span is outside the version text", nil)
	}

	comment, err := s.store.InsertComment(ctx, contractID, contract.UserComment{
		ID:          util.NewID("cmt"),
		VersionID:   version.ID,
		Span:        span,
		CommentText: text,
		AuthorID:    session.UserID,
		AuthorName:  session.UserName,
	})
	if err != nil {
		return contract.UserComment{}, err
	}

	s.broadcast(contractID, roomhub.Event{Type: roomhub.EventNewComment, Data: comment})
	if s.search != nil {
		s.search.IndexComment(search.CommentRecord{
			ID:         comment.ID,
			OrgID:      item.OrgID,
			ContractID: contractID,
			VersionID:  version.ID,
			Text:       comment.CommentText,
			AuthorName: comment.AuthorName,
		})
	}
	return comment, nil
}

func (s *Service) broadcast(contractID string, event roomhub.Event) {
	if s.rooms == nil {
		return
	}
	if err := s.rooms.Broadcast(contractID, event); err != nil {
		s.log.Warn().Err(err).Str("contract_id", contractID).Str("type", event.Type).Msg("broadcast room event")
	}
}
