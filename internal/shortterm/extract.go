package shortterm

import (
	"regexp"
	"sort"
	"strings"
)

var namePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy name is (\w+)`),
	regexp.MustCompile(`(?i)\bthey call me (\w+)`),
	regexp.MustCompile(`(?i)\bcall me (\w+)`),
	regexp.MustCompile(`(?i)\bname'?s (\w+)`),
	regexp.MustCompile(`(?i)\bpeople know me as (\w+)`),
	regexp.MustCompile(`(?i)\b(\w+) is my name`),
	// "I'm X" only counts when X is capitalised, otherwise "I'm tired" would
	// become a name.
	regexp.MustCompile(`\b(?i:i am|i'm) ([A-Z][a-z]+)\b`),
}

var notNames = map[string]struct{}{
	"anonymous": {}, "not": {}, "so": {}, "just": {}, "really": {}, "very": {},
	"feeling": {}, "here": {}, "fine": {}, "ok": {}, "okay": {}, "sorry": {},
	"what": {}, "it": {}, "that": {}, "this": {}, "a": {}, "the": {},
}

// ExtractName returns the name a user introduces themselves with, if any.
func ExtractName(text string) (string, bool) {
	for _, re := range namePatterns {
		m := re.FindStringSubmatch(text)
		if len(m) < 2 {
			continue
		}
		name := m[1]
		if len(name) < 2 {
			continue
		}
		if _, bad := notNames[strings.ToLower(name)]; bad {
			continue
		}
		return name, true
	}
	return "", false
}

var askNamePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)what(?: is| was|'s) my name`),
	regexp.MustCompile(`(?i)do you (know|remember) my name`),
	regexp.MustCompile(`(?i)what did you (just )?call me`),
	regexp.MustCompile(`(?i)(do you know|remember) who i am`),
}

// AsksForName reports whether the text asks the assistant for the user's name.
func AsksForName(text string) bool {
	for _, re := range askNamePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

type keywordGroup struct {
	label string
	re    *regexp.Regexp
}

func group(label, words string) keywordGroup {
	return keywordGroup{label: label, re: regexp.MustCompile(`(?i)\b(` + words + `)\b`)}
}

var topicGroups = []keywordGroup{
	group("work", `work|job|career|boss|coworker|colleague|office|workplace`),
	group("family", `family|mom|dad|mother|father|parent|sibling|brother|sister|child|kid`),
	group("health", `health|sick|ill|disease|doctor|hospital|surgery|symptom|pain|medication`),
	group("mental_health", `anxiety|depression|stress|therapy|counseling|psychiatrist|psychologist`),
	group("relationships", `relationship|partner|dating|marriage|girlfriend|boyfriend|spouse|divorce|breakup`),
	group("sleep", `sleep|insomnia|tired|exhausted|rest|nap|fatigue|dream|nightmare`),
	group("finance", `money|finance|debt|budget|expense|income|saving|investment`),
	group("education", `school|college|university|study|student|class|course|degree|learn`),
}

var emotionGroups = []keywordGroup{
	group("happy", `happy|joy|glad|excited|delighted|pleased|cheerful`),
	group("sad", `sad|unhappy|depressed|down|miserable|grief|sorrow|upset|blue`),
	group("angry", `angry|mad|furious|upset|irritated|annoyed|frustrated`),
	group("afraid", `afraid|scared|fearful|terrified|anxious|worried|panic|phobia`),
	group("confused", `confused|puzzled|perplexed|unsure|uncertain|doubt|bewildered`),
	group("stressed", `stressed|overwhelmed|pressured|burdened|overloaded`),
	group("hopeful", `hopeful|optimistic|looking forward|expecting|anticipating`),
}

func DetectTopics(text string) []string   { return detect(topicGroups, text) }
func DetectEmotions(text string) []string { return detect(emotionGroups, text) }

func detect(groups []keywordGroup, text string) []string {
	var out []string
	for _, g := range groups {
		if g.re.MatchString(text) {
			out = append(out, g.label)
		}
	}
	return out
}

func union(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
