package policy

import (
	"math/rand"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultCrisisPhrases is a short keyword list. It triggers a scripted resource
// message and is not a validated crisis detector.
var DefaultCrisisPhrases = []string{
	"end it",
	"can't take",
	"suicide",
	"self-harm",
	"die",
	"kill myself",
}

const DefaultCrisisMessage = "If you are thinking about harming yourself, please reach out right now to a local emergency number or a crisis line such as 988 (US) or 116 123 (UK & ROI). You deserve support from a real person."

var (
	DefaultRepetitionBreakers = []string{
		"Let's look at this from a slightly different angle.",
		"I notice we're circling the same spot. What feels most important right now?",
		"Maybe we can slow down and try another way in.",
	}
	DefaultReengagementLines = []string{
		"I'm still here with you. Would you like to say a bit more?",
		"Take your time. What's on your mind?",
		"I'd like to understand better. Can you tell me more?",
	}
)

const DefaultWithdrawalMinRunes = 10

// Triggers records which checks fired on a response.
type Triggers struct {
	Repetition bool `json:"repetition"`
	Withdrawal bool `json:"withdrawal"`
	Crisis     bool `json:"crisis"`
}

func (t Triggers) Any() bool { return t.Repetition || t.Withdrawal || t.Crisis }

type SafetyNetConfig struct {
	RepetitionBreakers []string
	ReengagementLines  []string
	CrisisPhrases      []string
	CrisisMessage      string
	WithdrawalMinRunes int
	// Pick returns an index in [0, n). Defaults to a uniform random pick.
	Pick func(n int) int
}

// SafetyNet appends scripted lines to generated responses.
type SafetyNet struct {
	cfg     SafetyNetConfig
	phrases []string
}

func NewSafetyNet(cfg SafetyNetConfig) *SafetyNet {
	if len(cfg.RepetitionBreakers) == 0 {
		cfg.RepetitionBreakers = DefaultRepetitionBreakers
	}
	if len(cfg.ReengagementLines) == 0 {
		cfg.ReengagementLines = DefaultReengagementLines
	}
	if len(cfg.CrisisPhrases) == 0 {
		cfg.CrisisPhrases = DefaultCrisisPhrases
	}
	if strings.TrimSpace(cfg.CrisisMessage) == "" {
		cfg.CrisisMessage = DefaultCrisisMessage
	}
	if cfg.WithdrawalMinRunes <= 0 {
		cfg.WithdrawalMinRunes = DefaultWithdrawalMinRunes
	}
	if cfg.Pick == nil {
		cfg.Pick = rand.Intn
	}
	phrases := make([]string, 0, len(cfg.CrisisPhrases))
	for _, p := range cfg.CrisisPhrases {
		if p = normalizeForMatch(p); p != "" {
			phrases = append(phrases, p)
		}
	}
	return &SafetyNet{cfg: cfg, phrases: phrases}
}

// Apply runs the repetition, withdrawal and crisis checks against the raw
// response and appends one block per triggered check, in that order. prev is
// the content of the turn immediately before this response.
func (s *SafetyNet) Apply(prev, response string) (string, Triggers) {
	var (
		t      Triggers
		blocks []string
	)
	if IsRepetition(prev, response) {
		t.Repetition = true
		blocks = append(blocks, s.pick(s.cfg.RepetitionBreakers))
	}
	if utf8.RuneCountInString(strings.TrimSpace(response)) < s.cfg.WithdrawalMinRunes {
		t.Withdrawal = true
		blocks = append(blocks, s.pick(s.cfg.ReengagementLines))
	}
	if s.HasCrisisLanguage(response) {
		t.Crisis = true
		blocks = append(blocks, s.cfg.CrisisMessage)
	}
	if len(blocks) == 0 {
		return response, t
	}

	out := strings.TrimRight(response, " \t\n")
	for _, b := range blocks {
		if out != "" {
			out += "\n\n"
		}
		out += b
	}
	return out, t
}

// IsRepetition reports whether response repeats prev verbatim.
func IsRepetition(prev, response string) bool {
	if prev == "" {
		return false
	}
	return strings.Contains(response, prev)
}

// HasCrisisLanguage reports whether text contains a crisis phrase as a whole
// word or phrase, ignoring case. "die" matches "I want to die" but not "diet".
func (s *SafetyNet) HasCrisisLanguage(text string) bool {
	lower := normalizeForMatch(text)
	for _, p := range s.phrases {
		if containsWord(lower, p) {
			return true
		}
	}
	return false
}

// containsWord reports whether some occurrence of phrase in s is not
// flanked by a letter or digit.
func containsWord(s, phrase string) bool {
	for from := 0; from <= len(s)-len(phrase); {
		i := strings.Index(s[from:], phrase)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(phrase)
		before, _ := utf8.DecodeLastRuneInString(s[:start])
		after, _ := utf8.DecodeRuneInString(s[end:])
		if !isWordRune(before) && !isWordRune(after) {
			return true
		}
		_, size := utf8.DecodeRuneInString(s[start:])
		from = start + size
	}
	return false
}

func isWordRune(r rune) bool {
	return r != utf8.RuneError && (unicode.IsLetter(r) || unicode.IsDigit(r))
}

func (s *SafetyNet) pick(pool []string) string {
	i := s.cfg.Pick(len(pool))
	if i < 0 || i >= len(pool) {
		i = 0
	}
	return pool[i]
}

var apostrophes = strings.NewReplacer("’", "'", "‘", "'", "ʼ", "'")

func normalizeForMatch(s string) string {
	return apostrophes.Replace(strings.ToLower(strings.TrimSpace(s)))
}
