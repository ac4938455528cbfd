package notion

import (
	"context"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rfp-pipeline/internal/model"
)

// fakeClient records calls and serves scripted query responses keyed by
// database ID.
type fakeClient struct {
	pages   map[string][]notionapi.Page // dbID -> pages
	created []struct {
		dbID  string
		props notionapi.Properties
	}
	archivedIDs []string
}

func (f *fakeClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	return &notionapi.DatabaseQueryResponse{Results: f.pages[dbID]}, nil
}

func (f *fakeClient) CreatePage(ctx context.Context, req *notionapi.PageCreateRequest) (*notionapi.Page, error) {
	f.created = append(f.created, struct {
		dbID  string
		props notionapi.Properties
	}{string(req.Parent.DatabaseID), req.Properties})
	return &notionapi.Page{}, nil
}

func (f *fakeClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	if req.Archived {
		f.archivedIDs = append(f.archivedIDs, pageID)
	}
	return &notionapi.Page{}, nil
}

func testDBs() map[model.Destination]string {
	return map[model.Destination]string{
		model.DestQualified: "db-qualified",
		model.DestMaybe:     "db-maybe",
		model.DestAudit:     "db-audit",
		model.DestExpired:   "db-expired",
		model.DestCompleted: "db-completed",
	}
}

func page(noticeID, title string, score float64, won bool) notionapi.Page {
	return notionapi.Page{
		ID: notionapi.ObjectID("page-" + noticeID),
		Properties: notionapi.Properties{
			propTitle:    &notionapi.TitleProperty{Title: []notionapi.RichText{{PlainText: title}}},
			propNoticeID: &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: noticeID}}},
			propScore:    &notionapi.NumberProperty{Number: score},
			propWon:      &notionapi.CheckboxProperty{Checkbox: won},
		},
	}
}

func TestSink_Exists(t *testing.T) {
	fc := &fakeClient{pages: map[string][]notionapi.Page{
		"db-qualified": {page("N-1", "Title", 8, false)},
	}}
	s := NewSink(fc, testDBs())

	ok, err := s.Exists(context.Background(), "N-1", model.DestQualified)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(context.Background(), "N-1", model.DestMaybe)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSink_Exists_UnconfiguredDestination(t *testing.T) {
	s := NewSink(&fakeClient{}, map[model.Destination]string{})
	_, err := s.Exists(context.Background(), "N-1", model.DestQualified)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no database configured")
}

func TestSink_Write(t *testing.T) {
	fc := &fakeClient{}
	s := NewSink(fc, testDBs())

	deadline := time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)
	a := &model.Assessment{
		NoticeID:      "N-1",
		Level:         model.LevelQualified,
		Score:         8,
		Justification: "strong capability match",
	}
	opp := &model.Opportunity{
		NoticeID: "N-1",
		Title:    "Network Modernization",
		Agency:   "GSA",
		Link:     "https://sam.gov/opp/N-1",
		Deadline: &deadline,
	}

	require.NoError(t, s.Write(context.Background(), a, opp, model.DestQualified))
	require.Len(t, fc.created, 1)
	assert.Equal(t, "db-qualified", fc.created[0].dbID)

	props := fc.created[0].props
	assert.Equal(t, float64(8), props[propScore].(notionapi.NumberProperty).Number)
	assert.Equal(t, "qualified", props[propLevel].(notionapi.SelectProperty).Select.Name)
	assert.NotNil(t, props[propDeadline])
}

func TestSink_Archive(t *testing.T) {
	fc := &fakeClient{pages: map[string][]notionapi.Page{
		"db-qualified": {page("N-1", "Title", 8, false)},
	}}
	s := NewSink(fc, testDBs())

	require.NoError(t, s.Archive(context.Background(), "N-1", model.DestQualified, model.DestExpired))
	require.Len(t, fc.created, 1)
	assert.Equal(t, "db-expired", fc.created[0].dbID)
	assert.Equal(t, []string{"page-N-1"}, fc.archivedIDs)
}

func TestSink_Archive_NotFound(t *testing.T) {
	s := NewSink(&fakeClient{}, testDBs())
	err := s.Archive(context.Background(), "N-404", model.DestQualified, model.DestExpired)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSink_ListTracked(t *testing.T) {
	fc := &fakeClient{pages: map[string][]notionapi.Page{
		"db-qualified": {
			page("N-1", "First", 8, false),
			page("N-2", "Second", 7, true),
			{Properties: notionapi.Properties{}}, // manual row, no notice ID
		},
	}}
	s := NewSink(fc, testDBs())

	tracked, err := s.ListTracked(context.Background(), model.DestQualified)
	require.NoError(t, err)
	require.Len(t, tracked, 2)
	assert.Equal(t, "N-1", tracked[0].NoticeID)
	assert.Equal(t, 8, tracked[0].Score)
	assert.False(t, tracked[0].MarkedWon)
	assert.True(t, tracked[1].MarkedWon)
}
