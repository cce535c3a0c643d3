package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"strings"

	"github.com/rendis/agentflow/internal/fetch"
	"github.com/rendis/agentflow/internal/logging"
	"github.com/rendis/agentflow/internal/prompts"
	"github.com/rendis/agentflow/pkg/schema"
)

const (
	draftNameLen     = 80
	draftOneLinerLen = 160
	draftTagLen      = 240
)

var (
	titleSuffix = regexp.MustCompile(`\s*\|.*$`)
	urlScheme   = regexp.MustCompile(`^https?://(www\.)?`)
)

// OrgProfile is the org document plus its derived readiness flag.
type OrgProfile struct {
	Data  map[string]any `json:"data"`
	Ready bool           `json:"ready"`
}

// OrgDraft is a profile proposed from a website. Draft is nil and Warning is
// set when the site could not be read.
type OrgDraft struct {
	Draft   map[string]any `json:"draft"`
	Warning *string        `json:"warning"`
}

// GetOrgProfile returns the stored profile with its readiness.
func (s *Service) GetOrgProfile(ctx context.Context) (*OrgProfile, error) {
	p, err := s.store.GetOrgProfile(ctx)
	if err != nil {
		return nil, storeError(err, "get org profile")
	}
	data := p.Data
	if data == nil {
		data = map[string]any{}
	}
	return &OrgProfile{Data: data, Ready: prompts.ProfileReady(data)}, nil
}

// UpdateOrgProfile merges patch into the stored profile at the top level and
// returns the result.
func (s *Service) UpdateOrgProfile(ctx context.Context, patch map[string]any) (*OrgProfile, error) {
	if patch == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "Invalid payload")
	}
	current, err := s.store.GetOrgProfile(ctx)
	if err != nil {
		return nil, storeError(err, "get org profile")
	}
	merged := map[string]any{}
	maps.Copy(merged, current.Data)
	maps.Copy(merged, patch)

	saved, err := s.store.PutOrgProfile(ctx, merged)
	if err != nil {
		return nil, storeError(err, "put org profile")
	}
	ready := prompts.ProfileReady(saved.Data)
	s.logger.Info("org profile updated", slog.Bool("ready", ready))
	return &OrgProfile{Data: saved.Data, Ready: ready}, nil
}

// DraftOrgProfile fetches url and proposes a minimal profile from its title,
// meta description and first heading. Nothing is stored.
func (s *Service) DraftOrgProfile(ctx context.Context, url string) (*OrgDraft, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "Missing url")
	}
	if s.fetcher == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "website fetching is not configured")
	}

	doc, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		logging.LogWith(ctx, s.logger).Warn("org draft fetch failed", slog.String("url", url), slog.String("error", err.Error()))
		warning := fmt.Sprintf("Could not fetch site: %s", errorMessage(err))
		return &OrgDraft{Warning: &warning}, nil
	}
	return &OrgDraft{Draft: DraftFromDocument(url, doc)}, nil
}

// DraftFromDocument builds a profile draft from a fetched page.
func DraftFromDocument(url string, doc *fetch.Document) map[string]any {
	title := clip(doc.Title, draftTagLen)
	desc := clip(doc.Description, draftTagLen)
	heading := clip(doc.Heading, draftTagLen)

	name := strings.TrimSpace(titleSuffix.ReplaceAllString(title, ""))
	if name == "" {
		name = strings.SplitN(urlScheme.ReplaceAllString(url, ""), "/", 2)[0]
	}
	oneLiner := desc
	if oneLiner == "" {
		oneLiner = heading
	}
	if oneLiner == "" {
		oneLiner = title
	}

	return map[string]any{
		"name":              clip(name, draftNameLen),
		"product_one_liner": clip(oneLiner, draftOneLinerLen),
		"value_props":       []any{},
		"icp": map[string]any{
			"industries":     []any{},
			"employee_range": map[string]any{"min": 0, "max": 1000000},
			"regions":        []any{},
			"roles":          []any{},
			"tech_signals":   []any{},
		},
	}
}

func clip(s string, n int) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > n {
		return string(r[:n])
	}
	return s
}

func errorMessage(err error) string {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
