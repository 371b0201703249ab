package mocks

import (
	"fmt"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
)

func amount(v float64) *float64 { return &v }

// SampleRegistry is a small WBS registry: three active elements of Project
// Astro, one of Project Beacon and one closed element of Project Cosmos.
func SampleRegistry() []domain.WbsElement {
	const cached = 1729756800
	return []domain.WbsElement{
		{
			WbsCode: "USC0063201.1.1", ProjectDef: "USC0063201", ProjectName: "Project Astro",
			Description: "Buy-side diligence", Status: domain.StatusReleased, CachedAt: cached,
			OpportunityID: "OPP-1001", DealName: "Astro Acquisition", TargetCompanyName: "Orion Holdings",
			Industry: "Technology", Region: "US", Amount: amount(12500000), StageName: "Diligence", ProjectCode: "AST",
		},
		{
			WbsCode: "USC0063201.1.2", ProjectDef: "USC0063201", ProjectName: "Project Astro",
			Description: "Quality of earnings", Status: domain.StatusReleased, CachedAt: cached,
			DealName: "Astro Acquisition", TargetCompanyName: "Orion Holdings", Industry: "Technology", Region: "US",
		},
		{
			WbsCode: "USC0063201.2.1", ProjectDef: "USC0063201", ProjectName: "Project Astro",
			Description: "Purchase price allocation", Status: domain.StatusReleased, CachedAt: cached,
			DealName: "Astro Acquisition", TargetCompanyName: "Orion Holdings", Industry: "Technology", Region: "US",
		},
		{
			WbsCode: "USC0071000.1.1", ProjectDef: "USC0071000", ProjectName: "Project Beacon",
			Description: "Tax structuring", Status: domain.StatusReleased, CachedAt: cached,
			DealName: "Beacon Merger", TargetCompanyName: "Harbor Logistics", Industry: "Transportation", Region: "EMEA",
		},
		{
			WbsCode: "USC0050000.1.1", ProjectDef: "USC0050000", ProjectName: "Project Cosmos",
			Description: "Closed engagement", Status: "CLSD", CachedAt: cached,
			Industry: "Energy", Region: "US",
		},
	}
}

// Segment builds an active segment of app over [start, end).
func Segment(id string, start, end int64, app, label string) domain.ActivitySegment {
	return domain.ActivitySegment{
		ID:              id,
		StartTS:         start,
		EndTS:           end,
		PrimaryApp:      app,
		NormalizedLabel: label,
		SampleCount:     int((end - start) / 30),
		SnapshotIDs:     []string{fmt.Sprintf("%s-snap-1", id), fmt.Sprintf("%s-snap-2", id)},
		ActiveTimeSecs:  end - start,
	}
}

// SampleDay is a working morning starting at dayStart: half an hour of Excel
// on the Astro model, a short browser visit to the data room after a one
// minute gap, then a lunch break marked auto-excluded.
func SampleDay(dayStart int64) []domain.ActivitySegment {
	at := dayStart + 9*3600
	excel := Segment("seg-1", at, at+1800, "Microsoft Excel", "Astro model.xlsx")
	browser := Segment("seg-2", at+1860, at+2460, "Google Chrome", "Astro - Datasite")
	browser.ExtractedSignalsJSON = `{"version":1,"data":{"title_keywords":["astro"],"url_domain":"app.datasite.com","app_category":"Browser","is_vdr_provider":true}}`
	lunch := Segment("seg-3", at+2460, at+3060, "Google Chrome", "Lunch order")
	lunch.IdleTimeSecs, lunch.ActiveTimeSecs = 300, 300
	lunch.UserAction = domain.UserActionAutoExcluded
	return []domain.ActivitySegment{excel, browser, lunch}
}
