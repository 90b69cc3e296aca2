package policy

import (
	"strings"
	"testing"
)

func firstPick(int) int { return 0 }

func TestSafetyNetRepetition(t *testing.T) {
	net := NewSafetyNet(SafetyNetConfig{Pick: firstPick})
	prev := "How does that make you feel?"
	out, trig := net.Apply(prev, "I wonder. How does that make you feel? Tell me.")
	if !trig.Repetition || trig.Withdrawal || trig.Crisis {
		t.Fatalf("triggers = %+v", trig)
	}
	if !strings.HasSuffix(out, DefaultRepetitionBreakers[0]) {
		t.Fatalf("output missing breaker: %q", out)
	}
}

func TestSafetyNetRepetitionNeedsPrior(t *testing.T) {
	net := NewSafetyNet(SafetyNetConfig{Pick: firstPick})
	resp := "That sounds like a heavy week for you."
	out, trig := net.Apply("", resp)
	if trig.Any() || out != resp {
		t.Fatalf("Apply() = %q, %+v; want untouched", out, trig)
	}
}

func TestSafetyNetWithdrawal(t *testing.T) {
	net := NewSafetyNet(SafetyNetConfig{Pick: func(n int) int { return n - 1 }})
	for _, resp := range []string{"", "   ok.   ", "Hmm…"} {
		out, trig := net.Apply("", resp)
		if !trig.Withdrawal {
			t.Fatalf("Apply(%q) withdrawal not triggered", resp)
		}
		if !strings.HasSuffix(out, DefaultReengagementLines[len(DefaultReengagementLines)-1]) {
			t.Fatalf("Apply(%q) = %q", resp, out)
		}
	}
	// Exactly ten runes is not a withdrawal.
	if _, trig := net.Apply("", "ten chars!"); trig.Withdrawal {
		t.Fatalf("ten-rune response flagged as withdrawal")
	}
}

func TestSafetyNetCrisisOnce(t *testing.T) {
	net := NewSafetyNet(SafetyNetConfig{Pick: firstPick})
	out, trig := net.Apply("", "You mentioned SUICIDE and wanting to end it; you said you can’t take it.")
	if !trig.Crisis {
		t.Fatalf("crisis not triggered")
	}
	if n := strings.Count(out, DefaultCrisisMessage); n != 1 {
		t.Fatalf("crisis message appended %d times, want 1", n)
	}
}

func TestSafetyNetOrder(t *testing.T) {
	net := NewSafetyNet(SafetyNetConfig{
		RepetitionBreakers: []string{"[rep]"},
		ReengagementLines:  []string{"[wd]"},
		CrisisMessage:      "[crisis]",
		Pick:               firstPick,
	})
	out, trig := net.Apply("die", "die")
	if !trig.Repetition || !trig.Withdrawal || !trig.Crisis {
		t.Fatalf("triggers = %+v, want all", trig)
	}
	if out != "die\n\n[rep]\n\n[wd]\n\n[crisis]" {
		t.Fatalf("Apply() = %q", out)
	}
}

func TestSafetyNetCustomPhrases(t *testing.T) {
	net := NewSafetyNet(SafetyNetConfig{CrisisPhrases: []string{"Give Up"}})
	if !net.HasCrisisLanguage("I just want to give up on all of it") {
		t.Fatalf("custom phrase not matched")
	}
	if net.HasCrisisLanguage("I want to kill myself") {
		t.Fatalf("default list should be replaced by custom phrases")
	}
}

func TestSafetyNetCrisisMatchesWholeWords(t *testing.T) {
	net := NewSafetyNet(SafetyNetConfig{})
	cases := []struct {
		text string
		want bool
	}{
		{"I started a new diet", false},
		{"I studied all night", false},
		{"the audience laughed", false},
		{"the diet made me want to die", true},
		{"I want to die.", true},
		{"Die", true},
		{"I can’t take it anymore", true},
		{"we need to end it now", true},
		{"I'll spend it tomorrow", false},
		{"self-harm", true},
	}
	for _, tc := range cases {
		if got := net.HasCrisisLanguage(tc.text); got != tc.want {
			t.Errorf("HasCrisisLanguage(%q) = %v, want %v", tc.text, got, tc.want)
		}
	}
}
