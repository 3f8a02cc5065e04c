package promotion

import (
	"context"
	"net/url"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/newsdesk/pubengine/internal/apperr"
	"github.com/newsdesk/pubengine/internal/models"
)

// Redirect is where a share-link visitor should be sent
type Redirect struct {
	Location   string      `json:"location"`
	Attributed bool        `json:"attributed"`
	Status     ClickStatus `json:"status"`
	CodeID     string      `json:"code_id"`
}

// IssueShareLink derives a share link for codeID pointing at targetURL.
// The link is immutable apart from its active flag.
func (l *Ledger) IssueShareLink(ctx context.Context, codeID, targetURL string) (*models.ShareLink, error) {
	parsed, err := url.Parse(strings.TrimSpace(targetURL))
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, apperr.Validation("target_url", "must be an absolute http(s) URL")
	}

	e, err := l.entryByID(codeID)
	if err != nil {
		return nil, err
	}
	code := e.snapshot()

	link := &models.ShareLink{
		ID:        uuid.NewString(),
		CodeID:    code.ID,
		Code:      code.Code,
		TargetURL: parsed.String(),
		Active:    true,
		CreatedAt: l.now(),
	}
	link.URL = strings.TrimRight(l.config.PublicBaseURL, "/") + "/s/" + link.ID

	l.mu.Lock()
	l.links[link.ID] = link
	l.linksBy[code.ID] = append(l.linksBy[code.ID], link.ID)
	l.mu.Unlock()

	out := *link
	return &out, nil
}

// ShareLinks lists the links issued from a code
func (l *Ledger) ShareLinks(ctx context.Context, codeID string) []*models.ShareLink {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []*models.ShareLink
	for _, id := range l.linksBy[codeID] {
		link := *l.links[id]
		out = append(out, &link)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// SetShareLinkActive toggles a share link
func (l *Ledger) SetShareLinkActive(ctx context.Context, linkID string, active bool) (*models.ShareLink, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	link, ok := l.links[linkID]
	if !ok {
		return nil, apperr.NotFound("share link", linkID)
	}
	link.Active = active
	out := *link
	return &out, nil
}

// FollowShareLink resolves a visit to a share link. The visitor is always sent
// to the target; the ref parameter is only added when the click was attributed.
func (l *Ledger) FollowShareLink(ctx context.Context, linkID string) (*Redirect, error) {
	l.mu.RLock()
	link, ok := l.links[linkID]
	var snapshot models.ShareLink
	if ok {
		snapshot = *link
	}
	l.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("share link", linkID)
	}

	if !snapshot.Active {
		return &Redirect{Location: snapshot.TargetURL, Status: ClickInactive, CodeID: snapshot.CodeID}, nil
	}

	result, err := l.ResolveClick(ctx, snapshot.Code)
	if err != nil {
		return nil, err
	}

	redirect := &Redirect{
		Location:   snapshot.TargetURL,
		Attributed: result.Attributed(),
		Status:     result.Status,
		CodeID:     snapshot.CodeID,
	}
	if redirect.Attributed {
		redirect.Location = withRef(snapshot.TargetURL, snapshot.Code)
	}
	return redirect, nil
}

func withRef(target, code string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set("ref", code)
	u.RawQuery = q.Encode()
	return u.String()
}
