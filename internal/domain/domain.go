package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	// StatusReleased is the only WBS status treated as active.
	StatusReleased = "REL"

	UserActionAutoExcluded = "auto_excluded"

	BlockStatusPending    = "pending_classification"
	BlockStatusClassified = "classified"
	BlockStatusBlocked    = "blocked"

	IdleInclude = "include"
	IdleExclude = "exclude"
)

// ActivitySegment is a half-open [StartTS, EndTS) run of samples sharing
// one primary application.
type ActivitySegment struct {
	ID                   string   `json:"id"`
	StartTS              int64    `json:"start_ts"`
	EndTS                int64    `json:"end_ts"`
	PrimaryApp           string   `json:"primary_app"`
	NormalizedLabel      string   `json:"normalized_label"`
	SampleCount          int      `json:"sample_count"`
	SnapshotIDs          []string `json:"snapshot_ids"`
	ActivityCategory     string   `json:"activity_category,omitempty"`
	WorkType             string   `json:"work_type,omitempty"`
	IdleTimeSecs         int64    `json:"idle_time_secs"`
	ActiveTimeSecs       int64    `json:"active_time_secs"`
	UserAction           string   `json:"user_action,omitempty"`
	ProjectMatchJSON     string   `json:"project_match_json,omitempty"`
	ExtractedSignalsJSON string   `json:"extracted_signals_json,omitempty"`
}

func (s ActivitySegment) Duration() int64 { return s.EndTS - s.StartTS }

func (s ActivitySegment) AutoExcluded() bool { return s.UserAction == UserActionAutoExcluded }

// Validate checks the range and time accounting of the segment.
func (s ActivitySegment) Validate() error {
	if s.EndTS <= s.StartTS {
		return fmt.Errorf("segment %s: end_ts must be after start_ts", s.ID)
	}
	if s.IdleTimeSecs < 0 || s.ActiveTimeSecs < 0 {
		return fmt.Errorf("segment %s: negative idle or active time", s.ID)
	}
	if s.IdleTimeSecs+s.ActiveTimeSecs > s.Duration() {
		return fmt.Errorf("segment %s: active + idle exceeds duration", s.ID)
	}
	return nil
}

// Signals decodes the pre-computed signals, if any.
func (s ActivitySegment) Signals() (ContextSignals, bool) {
	if s.ExtractedSignalsJSON == "" {
		return ContextSignals{}, false
	}
	var env struct {
		Version int            `json:"version"`
		Data    ContextSignals `json:"data"`
	}
	if err := json.Unmarshal([]byte(s.ExtractedSignalsJSON), &env); err != nil || env.Version == 0 {
		var sig ContextSignals
		if err := json.Unmarshal([]byte(s.ExtractedSignalsJSON), &sig); err != nil {
			return ContextSignals{}, false
		}
		return sig, true
	}
	return env.Data, true
}

type WbsElement struct {
	WbsCode           string   `json:"wbs_code"`
	ProjectDef        string   `json:"project_def"`
	ProjectName       string   `json:"project_name,omitempty"`
	Description       string   `json:"description,omitempty"`
	Status            string   `json:"status"`
	CachedAt          int64    `json:"cached_at"`
	OpportunityID     string   `json:"opportunity_id,omitempty"`
	DealName          string   `json:"deal_name,omitempty"`
	TargetCompanyName string   `json:"target_company_name,omitempty"`
	Counterparty      string   `json:"counterparty,omitempty"`
	Industry          string   `json:"industry,omitempty"`
	Region            string   `json:"region,omitempty"`
	Amount            *float64 `json:"amount,omitempty"`
	StageName         string   `json:"stage_name,omitempty"`
	ProjectCode       string   `json:"project_code,omitempty"`
}

func (w WbsElement) Active() bool { return w.Status == StatusReleased }

type AppCategory string

const (
	AppExcel      AppCategory = "Excel"
	AppWord       AppCategory = "Word"
	AppPowerPoint AppCategory = "PowerPoint"
	AppBrowser    AppCategory = "Browser"
	AppEmail      AppCategory = "Email"
	AppMeeting    AppCategory = "Meeting"
	AppTerminal   AppCategory = "Terminal"
	AppIDE        AppCategory = "IDE"
	AppOther      AppCategory = "Other"
)

var appCategories = []AppCategory{AppExcel, AppWord, AppPowerPoint, AppBrowser, AppEmail, AppMeeting, AppTerminal, AppIDE, AppOther}

// ParseAppCategory is case-insensitive and maps unknown names to Other.
func ParseAppCategory(s string) AppCategory {
	for _, c := range appCategories {
		if strings.EqualFold(string(c), s) {
			return c
		}
	}
	return AppOther
}

// ContextSignals is the evidence gathered for a block or segment.
type ContextSignals struct {
	TitleKeywords               []string    `json:"title_keywords"`
	URLDomain                   string      `json:"url_domain,omitempty"`
	FilePath                    string      `json:"file_path,omitempty"`
	ProjectFolder               string      `json:"project_folder,omitempty"`
	CalendarEventID             string      `json:"calendar_event_id,omitempty"`
	AttendeeDomains             []string    `json:"attendee_domains,omitempty"`
	OrganizerDomain             string      `json:"organizer_domain,omitempty"`
	AppCategory                 AppCategory `json:"app_category"`
	Timestamp                   int64       `json:"timestamp,omitempty"`
	IsVDRProvider               bool        `json:"is_vdr_provider"`
	IsScreenLocked              bool        `json:"is_screen_locked,omitempty"`
	HasPersonalEvent            bool        `json:"has_personal_event,omitempty"`
	IsInternalTraining          bool        `json:"is_internal_training,omitempty"`
	IsPersonalBrowsing          bool        `json:"is_personal_browsing,omitempty"`
	HasExternalMeetingAttendees bool        `json:"has_external_meeting_attendees,omitempty"`
	EmailDirection              string      `json:"email_direction,omitempty"`
}

type ProjectMatch struct {
	ProjectID  string   `json:"project_id,omitempty"`
	WbsCode    string   `json:"wbs_code,omitempty"`
	DealName   string   `json:"deal_name,omitempty"`
	Workstream string   `json:"workstream,omitempty"`
	Confidence float64  `json:"confidence"`
	Reasons    []string `json:"reasons"`
}

type WorkLocation string

const (
	WorkHome   WorkLocation = "home"
	WorkOffice WorkLocation = "office"
	WorkTravel WorkLocation = "travel"
)

type ActivityBreakdown struct {
	Name         string  `json:"name"`
	DurationSecs int64   `json:"duration_secs"`
	Percentage   float64 `json:"percentage"`
}

type ProposedBlock struct {
	ID                  string              `json:"id"`
	StartTS             int64               `json:"start_ts"`
	EndTS               int64               `json:"end_ts"`
	DurationSecs        int64               `json:"duration_secs"`
	InferredProjectID   string              `json:"inferred_project_id,omitempty"`
	InferredWbsCode     string              `json:"inferred_wbs_code,omitempty"`
	InferredDealName    string              `json:"inferred_deal_name,omitempty"`
	InferredWorkstream  string              `json:"inferred_workstream,omitempty"`
	Billable            bool                `json:"billable"`
	Confidence          float64             `json:"confidence"`
	ClassifierUsed      string              `json:"classifier_used,omitempty"`
	Activities          []ActivityBreakdown `json:"activities"`
	SnapshotIDs         []string            `json:"snapshot_ids"`
	SegmentIDs          []string            `json:"segment_ids"`
	Reasons             []string            `json:"reasons"`
	Status              string              `json:"status" enum:"pending_classification,classified,blocked"`
	CreatedAt           int64               `json:"created_at"`
	ReviewedAt          *int64              `json:"reviewed_at,omitempty"`
	TotalIdleSecs       int64               `json:"total_idle_secs"`
	IdleHandling        string              `json:"idle_handling" enum:"include,exclude"`
	Timezone            string              `json:"timezone,omitempty"`
	WorkLocation        WorkLocation        `json:"work_location,omitempty"`
	IsTravel            bool                `json:"is_travel"`
	IsWeekend           bool                `json:"is_weekend"`
	IsAfterHours        bool                `json:"is_after_hours"`
	HasCalendarOverlap  bool                `json:"has_calendar_overlap"`
	OverlappingEventIDs []string            `json:"overlapping_event_ids,omitempty"`
	IsDoubleBooked      bool                `json:"is_double_booked"`
}

// EstimatedTokenCount approximates the prompt size of the block summary at
// four characters per token, never below 50.
func (b ProposedBlock) EstimatedTokenCount() int {
	chars := 30 + len(b.InferredProjectID) + len(b.InferredWorkstream)
	for _, a := range b.Activities {
		chars += len(a.Name) + 20
	}
	for _, r := range b.Reasons {
		chars += len(r)
	}
	return max(50, chars/4)
}

// ApplyMatch copies a classification result onto the block.
func (b *ProposedBlock) ApplyMatch(m ProjectMatch, classifier string, billable bool) {
	b.InferredProjectID = m.ProjectID
	b.InferredWbsCode = m.WbsCode
	b.InferredDealName = m.DealName
	b.InferredWorkstream = m.Workstream
	b.Confidence = m.Confidence
	b.Reasons = append([]string(nil), m.Reasons...)
	b.ClassifierUsed = classifier
	b.Billable = billable
	b.Status = BlockStatusClassified
}

// Event is a persisted pipeline event row.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Day        string `json:"day,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
