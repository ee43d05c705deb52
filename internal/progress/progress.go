// Package progress scores a user's learning progress from what they have
// said and how they use sarathi.
//
// [Analyze] is a pure function over an [Input]: the user's own messages and
// their session activity. It assesses skill categories from keyword
// mentions, picks a dominant learning style, rates engagement and turns the
// result into insights and recommendations voiced by Guru (learning) and
// Parikshak (interview readiness). [Tracker] gathers the input from the
// stores.
package progress

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/MrWong99/sarathi/internal/agent"
)

// Skill levels.
const (
	LevelBeginner     = "beginner"
	LevelIntermediate = "intermediate"
	LevelAdvanced     = "advanced"
	LevelExpert       = "expert"
)

// Learning styles.
const (
	StyleVisual      = "visual"
	StyleAuditory    = "auditory"
	StyleKinesthetic = "kinesthetic"
	StyleAnalytical  = "analytical"
)

// Engagement levels.
const (
	EngagementLow    = "low"
	EngagementMedium = "medium"
	EngagementHigh   = "high"
)

// Insight kinds.
const (
	InsightStrength    = "strength"
	InsightOpportunity = "opportunity"
)

const (
	maxRecommendations = 5
	recentSessions     = 5
	complexWords       = 15
	activeWindow       = 7 * 24 * time.Hour
)

// skillKeywords maps skill categories to the words that indicate them.
var skillKeywords = map[string][]string{
	"technical":     {"programming", "coding", "software", "development", "algorithm", "database", "python", "javascript"},
	"communication": {"presentation", "speaking", "interview", "communication", "english", "hindi", "language"},
	"analytical":    {"problem", "analysis", "logic", "reasoning", "math", "statistics", "data"},
	"leadership":    {"team", "leader", "management", "project", "collaboration", "decision"},
	"creativity":    {"design", "creative", "innovation", "solution", "artistic", "writing"},
}

// styleKeywords is ordered; earlier styles win ties.
var styleKeywords = []struct {
	style string
	words []string
}{
	{StyleVisual, []string{"show", "see", "diagram", "image", "visual", "picture", "chart"}},
	{StyleAuditory, []string{"explain", "tell", "hear", "listen", "voice", "audio", "sound"}},
	{StyleKinesthetic, []string{"practice", "try", "do", "hands-on", "experience", "exercise"}},
	{StyleAnalytical, []string{"analyze", "logic", "reason", "step", "method", "process", "why", "how"}},
}

// Message is one thing the user said.
type Message struct {
	Text      string
	SessionID string
}

// SessionStat is the activity of one session.
type SessionStat struct {
	ID        string        `json:"session_id"`
	Persona   agent.Persona `json:"persona,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Turns     int           `json:"turns"`
}

// Input is everything [Analyze] looks at.
type Input struct {
	UserID   string
	Messages []Message
	Sessions []SessionStat

	// InteractionCounts is the profile's per-persona counter.
	InteractionCounts map[string]int
}

// Skill is the assessment of one skill category.
type Skill struct {
	Name            string  `json:"name"`
	Level           string  `json:"level"`
	Mentions        int     `json:"mentions"`
	Sessions        int     `json:"sessions"`
	ImprovementRate float64 `json:"improvement_rate"`
	Confidence      float64 `json:"confidence"`
}

// Insight is one observation about the user's learning.
type Insight struct {
	Kind        string        `json:"kind"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
	Persona     agent.Persona `json:"persona"`
	Confidence  float64       `json:"confidence"`
	Actions     []string      `json:"actions,omitempty"`
}

// Progress is the analysis of one user.
type Progress struct {
	UserID string `json:"user_id"`

	TotalSessions  int           `json:"total_sessions"`
	TotalTurns     int           `json:"total_turns"`
	PersonasUsed   []string      `json:"personas_used"`
	RecentSessions []SessionStat `json:"recent_sessions"`

	OverallScore     float64 `json:"overall_score"`
	LearningVelocity float64 `json:"learning_velocity"`
	Engagement       string  `json:"engagement"`
	EngagementScore  float64 `json:"engagement_score"`
	LearningStyle    string  `json:"learning_style"`

	Skills   []Skill   `json:"skills"`
	Insights []Insight `json:"insights"`

	MentorRecommendations      []string `json:"mentor_recommendations"`
	InterviewerRecommendations []string `json:"interviewer_recommendations"`

	NextMilestone       string `json:"next_milestone"`
	EstimatedCompletion string `json:"estimated_completion"`

	// Degraded is set when some input could not be loaded.
	Degraded bool `json:"degraded,omitempty"`
}

// Analyze scores in as of now. It is deterministic.
func Analyze(in Input, now time.Time) Progress {
	skills := assessSkills(in.Messages)
	eng, engScore := engagement(in.Sessions, now)
	insights := insightsFor(skills, eng)
	overall := overallScore(skills)
	velocity := learningVelocity(in.Sessions)

	out := Progress{
		UserID:                     in.UserID,
		TotalSessions:              len(in.Sessions),
		PersonasUsed:               personasUsed(in),
		RecentSessions:             recent(in.Sessions),
		OverallScore:               overall,
		LearningVelocity:           velocity,
		Engagement:                 eng,
		EngagementScore:            engScore,
		LearningStyle:              learningStyle(in.Messages),
		Skills:                     skills,
		Insights:                   insights,
		MentorRecommendations:      mentorRecommendations(skills, insights),
		InterviewerRecommendations: interviewerRecommendations(skills),
		NextMilestone:              milestone(overall),
		EstimatedCompletion:        completion(velocity, overall),
	}
	for _, s := range in.Sessions {
		out.TotalTurns += s.Turns
	}
	return out
}

// words returns the lower-cased words of text. Hyphens stay inside words so
// "hands-on" is one word.
func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '-'
	})
}

// hits counts how many of keywords occur in set.
func hits(set map[string]struct{}, keywords []string) int {
	n := 0
	for _, k := range keywords {
		if _, ok := set[k]; ok {
			n++
		}
	}
	return n
}

func wordSet(ws []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ws))
	for _, w := range ws {
		set[w] = struct{}{}
	}
	return set
}

func assessSkills(msgs []Message) []Skill {
	type tally struct {
		mentions, complex int
		sessions          map[string]struct{}
	}
	tallies := make(map[string]*tally)
	for _, m := range msgs {
		ws := words(m.Text)
		set := wordSet(ws)
		for name, kws := range skillKeywords {
			n := hits(set, kws)
			if n == 0 {
				continue
			}
			t := tallies[name]
			if t == nil {
				t = &tally{sessions: make(map[string]struct{})}
				tallies[name] = t
			}
			t.mentions += n
			t.sessions[m.SessionID] = struct{}{}
			if len(ws) > complexWords {
				t.complex++
			}
		}
	}

	skills := make([]Skill, 0, len(tallies))
	for _, name := range slices.Sorted(maps.Keys(tallies)) {
		t := tallies[name]
		score := min(float64(t.mentions*10+t.complex*5), 100)
		skills = append(skills, Skill{
			Name:            name,
			Level:           levelFor(score),
			Mentions:        t.mentions,
			Sessions:        len(t.sessions),
			ImprovementRate: score / float64(max(len(t.sessions), 1)),
			Confidence:      min(float64(t.mentions)/10, 1),
		})
	}
	return skills
}

func levelFor(score float64) string {
	switch {
	case score >= 85:
		return LevelExpert
	case score >= 60:
		return LevelAdvanced
	case score >= 25:
		return LevelIntermediate
	default:
		return LevelBeginner
	}
}

func learningStyle(msgs []Message) string {
	scores := make([]int, len(styleKeywords))
	for _, m := range msgs {
		set := wordSet(words(m.Text))
		for i, s := range styleKeywords {
			scores[i] += hits(set, s.words)
		}
	}
	best, bestScore := StyleAnalytical, 0
	for i, s := range styleKeywords {
		if scores[i] > bestScore {
			best, bestScore = s.style, scores[i]
		}
	}
	return best
}

// engagement rates session activity. Sessions started within the last week
// count towards consistency.
func engagement(sessions []SessionStat, now time.Time) (string, float64) {
	if len(sessions) == 0 {
		return EngagementLow, 0
	}
	turns, active := 0, 0
	for _, s := range sessions {
		turns += s.Turns
		if s.StartedAt.After(now.Add(-activeWindow)) {
			active++
		}
	}
	avg := float64(turns) / float64(len(sessions))
	consistency := float64(active) / float64(min(len(sessions), 7))
	score := min(avg*2+consistency*50+float64(len(sessions)), 100)
	switch {
	case score > 70:
		return EngagementHigh, score
	case score > 40:
		return EngagementMedium, score
	default:
		return EngagementLow, score
	}
}

func insightsFor(skills []Skill, eng string) []Insight {
	var out []Insight
	switch eng {
	case EngagementHigh:
		out = append(out, Insight{
			Kind:        InsightStrength,
			Title:       "Excellent Engagement",
			Description: "You're showing consistent and active learning behavior. Keep up the great momentum!",
			Persona:     agent.Mentor,
			Confidence:  0.9,
			Actions:     []string{"Continue current learning pace", "Consider tackling more advanced topics"},
		})
	case EngagementLow:
		out = append(out, Insight{
			Kind:        InsightOpportunity,
			Title:       "Engagement Improvement Needed",
			Description: "More consistent practice could accelerate your learning progress.",
			Persona:     agent.Mentor,
			Confidence:  0.8,
			Actions:     []string{"Set daily learning goals", "Schedule regular practice sessions"},
		})
	}
	for _, s := range skills {
		title := strings.ToUpper(s.Name[:1]) + s.Name[1:]
		switch {
		case s.Level == LevelAdvanced:
			out = append(out, Insight{
				Kind:        InsightStrength,
				Title:       "Strong " + title + " Skills",
				Description: fmt.Sprintf("Your %s abilities are well-developed. Ready for expert-level challenges!", s.Name),
				Persona:     agent.Interviewer,
				Confidence:  s.Confidence,
				Actions:     []string{"Take on leadership roles in " + s.Name, "Mentor others in this area"},
			})
		case s.ImprovementRate > 5:
			out = append(out, Insight{
				Kind:        InsightStrength,
				Title:       "Rapid " + title + " Progress",
				Description: fmt.Sprintf("You're making excellent progress in %s. Your learning rate is above average!", s.Name),
				Persona:     agent.Mentor,
				Confidence:  s.Confidence,
				Actions:     []string{"Continue focusing on " + s.Name, "Consider advanced topics in this area"},
			})
		}
	}
	return out
}

func mentorRecommendations(skills []Skill, insights []Insight) []string {
	var out []string
	if !slices.ContainsFunc(skills, func(s Skill) bool {
		return s.Level == LevelAdvanced || s.Level == LevelExpert
	}) {
		out = append(out, "Focus on developing one core skill to an advanced level rather than spreading efforts too thin")
	}
	var weak []string
	for _, s := range skills {
		if s.ImprovementRate < 2 && len(weak) < 2 {
			weak = append(weak, s.Name)
		}
	}
	if len(weak) > 0 {
		out = append(out, "Consider alternative learning approaches for "+strings.Join(weak, ", "))
	}
	if slices.ContainsFunc(insights, func(i Insight) bool { return i.Kind == InsightOpportunity }) {
		out = append(out, "Establish a consistent learning routine with small, achievable daily goals")
	}
	out = append(out,
		"Practice active recall by explaining concepts in your own words",
		"Connect new learning to your existing knowledge and experience",
		"Set specific, measurable learning objectives for each session",
	)
	return out[:min(len(out), maxRecommendations)]
}

func interviewerRecommendations(skills []Skill) []string {
	level := func(name string) string {
		if i := slices.IndexFunc(skills, func(s Skill) bool { return s.Name == name }); i >= 0 {
			return skills[i].Level
		}
		return ""
	}
	var out []string
	if l := level("technical"); l == LevelIntermediate || l == LevelAdvanced {
		out = append(out,
			"Practice coding interviews with live problem-solving sessions",
			"Prepare system design scenarios for senior-level positions",
		)
	}
	if l := level("communication"); l == "" || l == LevelBeginner {
		out = append(out,
			"Practice articulating technical concepts to non-technical audiences",
			"Record yourself explaining complex topics to improve clarity",
		)
	}
	out = append(out,
		"Practice the STAR method (Situation, Task, Action, Result) for behavioral questions",
		"Prepare specific examples that demonstrate problem-solving and leadership",
		"Research company culture and values for targeted interview preparation",
		"Practice mock interviews with gradually increasing difficulty levels",
	)
	return out[:min(len(out), maxRecommendations)]
}

// overallScore is the confidence-weighted mean of the skill levels, 0-100.
func overallScore(skills []Skill) float64 {
	levelScore := map[string]float64{
		LevelBeginner:     25,
		LevelIntermediate: 50,
		LevelAdvanced:     75,
		LevelExpert:       100,
	}
	var sum, weight float64
	for _, s := range skills {
		sum += levelScore[s.Level] * s.Confidence
		weight += s.Confidence
	}
	if weight == 0 {
		return 0
	}
	return sum / weight
}

// learningVelocity compares the turns of the three latest sessions with the
// three earliest, per day between the first and last session.
func learningVelocity(sessions []SessionStat) float64 {
	if len(sessions) < 2 {
		return 1
	}
	sorted := slices.SortedStableFunc(slices.Values(sessions), func(a, b SessionStat) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	days := int(sorted[len(sorted)-1].StartedAt.Sub(sorted[0].StartedAt).Hours() / 24)
	if days == 0 {
		return 1
	}
	sum := func(ss []SessionStat) int {
		n := 0
		for _, s := range ss {
			n += s.Turns
		}
		return n
	}
	growth := sum(sorted[max(0, len(sorted)-3):]) - sum(sorted[:min(3, len(sorted))])
	return max(float64(growth)/float64(days), 0.1)
}

func milestone(overall float64) string {
	switch {
	case overall < 25:
		return "Complete foundational learning in your primary skill area"
	case overall < 50:
		return "Achieve intermediate proficiency in two core competencies"
	case overall < 75:
		return "Develop advanced skills and start specialization"
	default:
		return "Pursue expert-level mastery and leadership opportunities"
	}
}

func completion(velocity, overall float64) string {
	remaining := 100 - overall
	if remaining <= 10 {
		return "You're near completion!"
	}
	days := remaining / max(velocity, 0.1)
	switch {
	case days < 30:
		return fmt.Sprintf("Approximately %d days", int(days))
	case days < 365:
		return fmt.Sprintf("Approximately %d months", int(days/30))
	default:
		return fmt.Sprintf("Approximately %d years", int(days/365))
	}
}

// personasUsed lists personas with a profile count or a session, in
// catalog order.
func personasUsed(in Input) []string {
	used := make(map[agent.Persona]bool)
	for p, n := range in.InteractionCounts {
		if n > 0 {
			used[agent.Persona(p)] = true
		}
	}
	for _, s := range in.Sessions {
		if s.Persona != "" {
			used[s.Persona] = true
		}
	}
	out := []string{}
	for _, p := range agent.Personas() {
		if used[p] {
			out = append(out, string(p))
		}
	}
	return out
}

func recent(sessions []SessionStat) []SessionStat {
	sorted := slices.SortedStableFunc(slices.Values(sessions), func(a, b SessionStat) int {
		return cmp.Or(b.StartedAt.Compare(a.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return append([]SessionStat{}, sorted[:min(len(sorted), recentSessions)]...)
}
