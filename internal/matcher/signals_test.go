package matcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/mocks"
)

func TestExtractBrowserVDR(t *testing.T) {
	s := NewExtractor().Extract(Observation{
		AppName:     "Google Chrome",
		WindowTitle: "Project Astro - PPA Modeling",
		URL:         "https://app.datasite.com/projects/123",
		Timestamp:   42,
	})
	assert.Equal(t, []string{"astro", "ppa", "modeling"}, s.TitleKeywords)
	assert.Equal(t, "app.datasite.com", s.URLDomain)
	assert.True(t, s.IsVDRProvider)
	assert.Equal(t, domain.AppBrowser, s.AppCategory)
	assert.Equal(t, int64(42), s.Timestamp)
	assert.False(t, s.IsPersonalBrowsing)
}

func TestExtractDocumentAndOverrides(t *testing.T) {
	x := NewExtractor()
	s := x.Extract(Observation{AppName: "Microsoft Excel", WindowTitle: "model.xlsx", DocumentPath: "~/Documents/Astro/model.xlsx"})
	assert.Equal(t, "~/Documents/Astro/model.xlsx", s.FilePath)
	assert.Equal(t, "Astro", s.ProjectFolder)
	assert.Equal(t, domain.AppExcel, s.AppCategory)

	s = x.Extract(Observation{AppName: "Word", DocumentPath: "memo.docx"})
	assert.Empty(t, s.ProjectFolder)

	s = x.Extract(Observation{AppName: "Safari", WindowTitle: "Lunch plans", URL: "https://www.youtube.com/watch", Idle: true, IdleSecs: 301})
	assert.True(t, s.HasPersonalEvent)
	assert.True(t, s.IsPersonalBrowsing)
	assert.True(t, s.IsScreenLocked)
	assert.False(t, s.IsVDRProvider)
}

func TestCategorizeApp(t *testing.T) {
	cases := map[string]domain.AppCategory{
		"Microsoft Excel":      domain.AppExcel,
		"Microsoft Word":       domain.AppWord,
		"Microsoft PowerPoint": domain.AppPowerPoint,
		"Firefox":              domain.AppBrowser,
		"Outlook":              domain.AppEmail,
		"zoom.us":              domain.AppMeeting,
		"iTerm2":               domain.AppTerminal,
		"Cursor":               domain.AppIDE,
		"Finder":               domain.AppOther,
	}
	for name, want := range cases {
		assert.Equal(t, want, CategorizeApp(name), name)
	}
}

func TestIsVDRDomain(t *testing.T) {
	assert.True(t, IsVDRDomain("services.intralinks.com"))
	assert.True(t, IsVDRDomain("firmex.com"))
	assert.True(t, IsVDRDomain("enterprise.box.com"))
	assert.False(t, IsVDRDomain("app.box.com"))
}

func TestMerge(t *testing.T) {
	got := Merge([]domain.ContextSignals{
		{TitleKeywords: []string{"review", "astro"}, AppCategory: domain.AppBrowser, URLDomain: "app.datasite.com", IsVDRProvider: true, Timestamp: 10},
		{TitleKeywords: []string{"astro", "ppa"}, AppCategory: domain.AppExcel, ProjectFolder: "Astro", URLDomain: "other.com"},
		{AppCategory: domain.AppTerminal, AttendeeDomains: []string{"client.com"}, HasExternalMeetingAttendees: true},
	})
	assert.Equal(t, []string{"astro", "ppa", "review"}, got.TitleKeywords)
	assert.Equal(t, domain.AppExcel, got.AppCategory)
	assert.Equal(t, "app.datasite.com", got.URLDomain)
	assert.Equal(t, "Astro", got.ProjectFolder)
	assert.True(t, got.IsVDRProvider)
	assert.True(t, got.HasExternalMeetingAttendees)
	assert.Equal(t, []string{"client.com"}, got.AttendeeDomains)
	assert.Equal(t, int64(10), got.Timestamp)

	assert.Equal(t, domain.AppOther, Merge(nil).AppCategory)
}

func TestSegmentSignals(t *testing.T) {
	x := NewExtractor()
	day := mocks.SampleDay(1729756800)

	s := x.Segment(day[0])
	assert.Equal(t, []string{"astro"}, s.TitleKeywords)
	assert.Equal(t, domain.AppExcel, s.AppCategory)

	s = x.Segment(day[1])
	assert.True(t, s.IsVDRProvider, "stored signals win")
	assert.Equal(t, "app.datasite.com", s.URLDomain)
}
