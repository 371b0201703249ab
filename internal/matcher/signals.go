package matcher

import (
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/domain"
)

// DefaultKeywords are the deal code names and work terms looked for in
// window titles.
var DefaultKeywords = []string{
	"astro", "beta", "delta", "gamma", "luna", "thunderbolt", "phoenix", "eclipse",
	"summit", "horizon", "odyssey",
	"section 368", "ppa", "382", "qofe", "spa", "loi", "ioi",
	"diligence", "closing", "merger", "acquisition",
	"modeling", "analysis", "research", "memo", "review",
}

var personalHosts = []string{"reddit.com", "youtube.com", "facebook.com", "twitter.com", "instagram.com", "spotify.com"}

// Observation is the raw foreground context of one sample.
type Observation struct {
	AppName      string
	WindowTitle  string
	URL          string
	DocumentPath string
	Timestamp    int64
	Idle         bool
	IdleSecs     int64
}

// Extractor derives ContextSignals from observations.
type Extractor struct {
	Keywords []string
}

func NewExtractor() *Extractor { return &Extractor{Keywords: DefaultKeywords} }

func (x *Extractor) Extract(o Observation) domain.ContextSignals {
	s := domain.ContextSignals{
		TitleKeywords:      x.keywords(o.WindowTitle),
		AppCategory:        CategorizeApp(o.AppName),
		Timestamp:          o.Timestamp,
		IsScreenLocked:     o.Idle && o.IdleSecs > 300,
		HasPersonalEvent:   personalTitle(o.WindowTitle),
		IsInternalTraining: strings.Contains(strings.ToLower(o.URL), "training"),
	}
	if o.URL != "" {
		s.URLDomain = hostOf(o.URL)
		s.IsVDRProvider = IsVDRDomain(s.URLDomain)
		lower := strings.ToLower(o.URL)
		for _, h := range personalHosts {
			if strings.Contains(lower, h) {
				s.IsPersonalBrowsing = true
				break
			}
		}
	}
	if o.DocumentPath != "" {
		s.FilePath = o.DocumentPath
		dir := path.Dir(strings.ReplaceAll(o.DocumentPath, `\`, "/"))
		if base := path.Base(dir); dir != "." && base != "/" && base != "." {
			s.ProjectFolder = base
		}
	}
	return s
}

// Segment returns the stored signals of a segment when present and otherwise
// extracts them from its app and label.
func (x *Extractor) Segment(seg domain.ActivitySegment) domain.ContextSignals {
	if s, ok := seg.Signals(); ok {
		return s
	}
	return x.Extract(Observation{
		AppName:     seg.PrimaryApp,
		WindowTitle: seg.NormalizedLabel,
		Timestamp:   seg.StartTS,
	})
}

func (x *Extractor) keywords(title string) []string {
	lower := strings.ToLower(title)
	var out []string
	for _, k := range x.Keywords {
		if strings.Contains(lower, k) {
			out = append(out, k)
		}
	}
	return out
}

func personalTitle(title string) bool {
	lower := strings.ToLower(title)
	return strings.Contains(lower, "personal") || strings.Contains(lower, "lunch") || strings.Contains(lower, "break")
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("https://" + raw)
		if err != nil {
			return ""
		}
	}
	return strings.ToLower(u.Hostname())
}

func IsVDRDomain(d string) bool {
	d = strings.ToLower(d)
	return strings.Contains(d, "datasite") ||
		strings.Contains(d, "intralinks") ||
		strings.Contains(d, "firmex") ||
		(strings.Contains(d, "box") && strings.Contains(d, "enterprise"))
}

func CategorizeApp(name string) domain.AppCategory {
	n := strings.ToLower(name)
	has := func(subs ...string) bool {
		for _, s := range subs {
			if strings.Contains(n, s) {
				return true
			}
		}
		return false
	}
	switch {
	case has("excel"):
		return domain.AppExcel
	case has("word"):
		return domain.AppWord
	case has("powerpoint"):
		return domain.AppPowerPoint
	case has("chrome", "safari", "firefox"):
		return domain.AppBrowser
	case has("outlook", "mail"):
		return domain.AppEmail
	case has("zoom", "teams", "meet"):
		return domain.AppMeeting
	case has("terminal", "iterm"):
		return domain.AppTerminal
	case has("cursor", "code", "xcode"):
		return domain.AppIDE
	default:
		return domain.AppOther
	}
}

var categoryPriority = map[domain.AppCategory]int{
	domain.AppExcel:      9,
	domain.AppWord:       8,
	domain.AppPowerPoint: 7,
	domain.AppMeeting:    6,
	domain.AppEmail:      5,
	domain.AppIDE:        4,
	domain.AppBrowser:    3,
	domain.AppTerminal:   2,
	domain.AppOther:      1,
}

// Merge folds the signals of several segments into one. Keywords are
// unioned, the first non-empty URL, file and calendar values win, flags are
// ORed and the highest-priority app category is kept.
func Merge(all []domain.ContextSignals) domain.ContextSignals {
	var out domain.ContextSignals
	if len(all) == 0 {
		out.AppCategory = domain.AppOther
		return out
	}
	out.Timestamp = all[0].Timestamp
	seenDomain := map[string]bool{}
	for _, s := range all {
		out.TitleKeywords = append(out.TitleKeywords, s.TitleKeywords...)
		if out.URLDomain == "" {
			out.URLDomain = s.URLDomain
		}
		if out.FilePath == "" {
			out.FilePath = s.FilePath
		}
		if out.ProjectFolder == "" {
			out.ProjectFolder = s.ProjectFolder
		}
		if out.CalendarEventID == "" {
			out.CalendarEventID = s.CalendarEventID
		}
		if out.OrganizerDomain == "" {
			out.OrganizerDomain = s.OrganizerDomain
		}
		if out.EmailDirection == "" {
			out.EmailDirection = s.EmailDirection
		}
		for _, d := range s.AttendeeDomains {
			if !seenDomain[d] {
				seenDomain[d] = true
				out.AttendeeDomains = append(out.AttendeeDomains, d)
			}
		}
		if categoryPriority[s.AppCategory] > categoryPriority[out.AppCategory] {
			out.AppCategory = s.AppCategory
		}
		out.IsVDRProvider = out.IsVDRProvider || s.IsVDRProvider
		out.IsScreenLocked = out.IsScreenLocked || s.IsScreenLocked
		out.HasPersonalEvent = out.HasPersonalEvent || s.HasPersonalEvent
		out.IsInternalTraining = out.IsInternalTraining || s.IsInternalTraining
		out.IsPersonalBrowsing = out.IsPersonalBrowsing || s.IsPersonalBrowsing
		out.HasExternalMeetingAttendees = out.HasExternalMeetingAttendees || s.HasExternalMeetingAttendees
	}
	if out.AppCategory == "" {
		out.AppCategory = domain.AppOther
	}
	slices.Sort(out.TitleKeywords)
	out.TitleKeywords = slices.Compact(out.TitleKeywords)
	return out
}

var secondLevel = map[string]bool{"co": true, "com": true, "org": true, "net": true, "gov": true, "ac": true, "edu": true}

// RegistrableLabel returns the label just left of the public suffix:
// "app.datasite.com" gives "datasite" and "deals.firm.co.uk" gives "firm".
func RegistrableLabel(domainOrURL string) string {
	host := hostOf(domainOrURL)
	if host == "" {
		return ""
	}
	labels := strings.Split(strings.Trim(host, "."), ".")
	switch n := len(labels); {
	case n == 1:
		return labels[0]
	case n >= 3 && len(labels[n-1]) == 2 && secondLevel[labels[n-2]]:
		return labels[n-3]
	default:
		return labels[n-2]
	}
}
