package notion

import (
	"context"
	"strings"
	"time"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rfp-pipeline/internal/model"
)

// Property names shared by every destination database.
const (
	propTitle         = "Name"
	propNoticeID      = "Notice ID"
	propAgency        = "Agency"
	propScore         = "Score"
	propLevel         = "Level"
	propDeadline      = "Deadline"
	propLink          = "Link"
	propJustification = "Justification"
	propWon           = "Won"
	propError         = "Error"
)

// Sink writes assessments into per-destination Notion databases.
type Sink struct {
	client Client
	dbs    map[model.Destination]string
}

// NewSink maps destinations to database IDs. Destinations with an empty
// ID are disabled; writes to them fail loudly rather than silently
// vanishing.
func NewSink(client Client, dbs map[model.Destination]string) *Sink {
	return &Sink{client: client, dbs: dbs}
}

func (s *Sink) dbFor(dest model.Destination) (string, error) {
	id := s.dbs[dest]
	if id == "" {
		return "", eris.Errorf("notion: no database configured for destination %q", dest)
	}
	return id, nil
}

// Exists reports whether a page for the notice already exists in the
// destination database.
func (s *Sink) Exists(ctx context.Context, noticeID string, dest model.Destination) (bool, error) {
	dbID, err := s.dbFor(dest)
	if err != nil {
		return false, err
	}

	resp, err := s.client.QueryDatabase(ctx, dbID, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: propNoticeID,
			RichText: &notionapi.TextFilterCondition{Equals: noticeID},
		},
		PageSize: 1,
	})
	if err != nil {
		return false, eris.Wrapf(err, "notion: exists %s in %s", noticeID, dest)
	}
	return len(resp.Results) > 0, nil
}

// Write creates a page for the assessment in the destination database.
func (s *Sink) Write(ctx context.Context, a *model.Assessment, opp *model.Opportunity, dest model.Destination) error {
	dbID, err := s.dbFor(dest)
	if err != nil {
		return err
	}

	_, err = s.client.CreatePage(ctx, &notionapi.PageCreateRequest{
		Parent:     notionapi.Parent{Type: notionapi.ParentTypeDatabaseID, DatabaseID: notionapi.DatabaseID(dbID)},
		Properties: buildProperties(a, opp),
	})
	if err != nil {
		return eris.Wrapf(err, "notion: write %s to %s", a.NoticeID, dest)
	}
	return nil
}

// Archive moves a notice between destination databases: the page is
// recreated in the target database and the original is archived. Notion
// has no cross-database move, so this two-step is the only shape; a
// crash between the steps leaves a duplicate, which Exists absorbs.
func (s *Sink) Archive(ctx context.Context, noticeID string, from, to model.Destination) error {
	fromDB, err := s.dbFor(from)
	if err != nil {
		return err
	}
	toDB, err := s.dbFor(to)
	if err != nil {
		return err
	}

	resp, err := s.client.QueryDatabase(ctx, fromDB, &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: propNoticeID,
			RichText: &notionapi.TextFilterCondition{Equals: noticeID},
		},
		PageSize: 1,
	})
	if err != nil {
		return eris.Wrapf(err, "notion: find %s in %s", noticeID, from)
	}
	if len(resp.Results) == 0 {
		return eris.Errorf("notion: notice %s not found in %s", noticeID, from)
	}
	page := resp.Results[0]

	already, err := s.Exists(ctx, noticeID, to)
	if err != nil {
		return err
	}
	if !already {
		if _, err := s.client.CreatePage(ctx, &notionapi.PageCreateRequest{
			Parent:     notionapi.Parent{Type: notionapi.ParentTypeDatabaseID, DatabaseID: notionapi.DatabaseID(toDB)},
			Properties: copyProperties(page.Properties),
		}); err != nil {
			return eris.Wrapf(err, "notion: copy %s to %s", noticeID, to)
		}
	}

	if _, err := s.client.UpdatePage(ctx, string(page.ID), &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{},
		Archived:   true,
	}); err != nil {
		return eris.Wrapf(err, "notion: archive %s in %s", noticeID, from)
	}

	zap.L().Info("archived notice",
		zap.String("notice_id", noticeID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

// ListTracked returns the slim lifecycle view of every page in a
// destination database.
func (s *Sink) ListTracked(ctx context.Context, dest model.Destination) ([]model.TrackedOpportunity, error) {
	dbID, err := s.dbFor(dest)
	if err != nil {
		return nil, err
	}

	pages, err := QueryAll(ctx, s.client, dbID, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "notion: list tracked %s", dest)
	}

	tracked := make([]model.TrackedOpportunity, 0, len(pages))
	for _, page := range pages {
		t := model.TrackedOpportunity{
			NoticeID:  richTextValue(page.Properties, propNoticeID),
			Title:     titleValue(page.Properties),
			Score:     int(numberValue(page.Properties, propScore)),
			MarkedWon: checkboxValue(page.Properties, propWon),
			Status:    model.StatusActive,
		}
		if d := dateValue(page.Properties, propDeadline); d != nil {
			t.Deadline = d
		}
		if t.NoticeID == "" {
			continue // manually created row without a notice ID
		}
		tracked = append(tracked, t)
	}
	return tracked, nil
}

// buildProperties renders an assessment into Notion page properties.
func buildProperties(a *model.Assessment, opp *model.Opportunity) notionapi.Properties {
	props := notionapi.Properties{
		propTitle:    notionapi.TitleProperty{Title: richText(opp.Title)},
		propNoticeID: notionapi.RichTextProperty{RichText: richText(a.NoticeID)},
		propAgency:   notionapi.RichTextProperty{RichText: richText(opp.Agency)},
		propScore:    notionapi.NumberProperty{Number: float64(a.Score)},
		propLevel:    notionapi.SelectProperty{Select: notionapi.Option{Name: string(a.Level)}},
		propWon:      notionapi.CheckboxProperty{Checkbox: false},
	}
	if a.Justification != "" {
		props[propJustification] = notionapi.RichTextProperty{RichText: richText(clip(a.Justification, 2000))}
	}
	if a.Error != "" {
		props[propError] = notionapi.RichTextProperty{RichText: richText(clip(a.Error, 2000))}
	}
	if opp.Link != "" {
		props[propLink] = notionapi.URLProperty{URL: opp.Link}
	}
	if opp.Deadline != nil {
		d := notionapi.Date(*opp.Deadline)
		props[propDeadline] = notionapi.DateProperty{Date: &notionapi.DateObject{Start: &d}}
	}
	return props
}

// copyProperties rebuilds writable properties from a fetched page so a
// CreatePage into another database carries them over. Read-only
// property types (formula, rollup) are skipped.
func copyProperties(src notionapi.Properties) notionapi.Properties {
	out := notionapi.Properties{}
	for name, prop := range src {
		switch p := prop.(type) {
		case *notionapi.TitleProperty:
			out[name] = notionapi.TitleProperty{Title: p.Title}
		case *notionapi.RichTextProperty:
			out[name] = notionapi.RichTextProperty{RichText: p.RichText}
		case *notionapi.NumberProperty:
			out[name] = notionapi.NumberProperty{Number: p.Number}
		case *notionapi.SelectProperty:
			if p.Select.Name != "" {
				out[name] = notionapi.SelectProperty{Select: notionapi.Option{Name: p.Select.Name}}
			}
		case *notionapi.DateProperty:
			if p.Date != nil {
				out[name] = notionapi.DateProperty{Date: p.Date}
			}
		case *notionapi.URLProperty:
			if p.URL != "" {
				out[name] = notionapi.URLProperty{URL: p.URL}
			}
		case *notionapi.CheckboxProperty:
			out[name] = notionapi.CheckboxProperty{Checkbox: p.Checkbox}
		}
	}
	return out
}

// property read helpers

func richText(s string) []notionapi.RichText {
	return []notionapi.RichText{{Text: &notionapi.Text{Content: s}}}
}

func plainText(rt []notionapi.RichText) string {
	var b strings.Builder
	for _, t := range rt {
		b.WriteString(t.PlainText)
		if t.PlainText == "" && t.Text != nil {
			b.WriteString(t.Text.Content)
		}
	}
	return b.String()
}

func titleValue(props notionapi.Properties) string {
	if p, ok := props[propTitle].(*notionapi.TitleProperty); ok {
		return plainText(p.Title)
	}
	return ""
}

func richTextValue(props notionapi.Properties, name string) string {
	if p, ok := props[name].(*notionapi.RichTextProperty); ok {
		return plainText(p.RichText)
	}
	return ""
}

func numberValue(props notionapi.Properties, name string) float64 {
	if p, ok := props[name].(*notionapi.NumberProperty); ok {
		return p.Number
	}
	return 0
}

func checkboxValue(props notionapi.Properties, name string) bool {
	if p, ok := props[name].(*notionapi.CheckboxProperty); ok {
		return p.Checkbox
	}
	return false
}

func dateValue(props notionapi.Properties, name string) *time.Time {
	p, ok := props[name].(*notionapi.DateProperty)
	if !ok || p.Date == nil || p.Date.Start == nil {
		return nil
	}
	t := time.Time(*p.Date.Start)
	return &t
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
