package moderation

import (
	"strings"
	"testing"
)

func mustFilter(t *testing.T, categories []Category) *Filter {
	t.Helper()
	f, err := NewFilterWithCategories(categories)
	if err != nil {
		t.Fatalf("NewFilterWithCategories: %v", err)
	}
	return f
}

func TestNewFilter(t *testing.T) {
	f := NewFilter()
	if f == nil || f.machine == nil {
		t.Fatal("NewFilter created an empty filter")
	}
}

func TestMatch_SingleWord(t *testing.T) {
	f := mustFilter(t, []Category{{Flag: "kw", Weight: 1, Terms: []string{"badword", "offensive"}}})

	tests := []struct {
		name    string
		input   string
		matched bool
		term    string
	}{
		{"exact match", "badword", true, "badword"},
		{"in sentence", "this is badword here", true, "badword"},
		{"case insensitive", "BADWORD", true, "badword"},
		{"mixed case", "BaDwOrD", true, "badword"},
		{"with punctuation", "hello, badword!", true, "badword"},
		{"inflected", "stop badwording me", true, "badword"},
		{"clean message", "hello world", false, ""},
		{"unknown suffix no match", "badwordish is fine", false, ""},
		{"substring no match", "mybadword", false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hits := f.Match(tt.input)
			if (len(hits) > 0) != tt.matched {
				t.Fatalf("Match(%q) = %v, want matched=%v", tt.input, hits, tt.matched)
			}
			if tt.matched && hits[0].Term != tt.term {
				t.Errorf("Match(%q).Term = %q, want %q", tt.input, hits[0].Term, tt.term)
			}
		})
	}
}

func TestMatch_Phrase(t *testing.T) {
	f := mustFilter(t, []Category{{Flag: "threat", Weight: 1, Terms: []string{"kill yourself", "go die"}}})

	tests := []struct {
		name    string
		input   string
		matched bool
	}{
		{"exact phrase", "kill yourself", true},
		{"phrase in sentence", "you should kill yourself now", true},
		{"case insensitive phrase", "KILL YOURSELF", true},
		{"extra whitespace", "kill    yourself", true},
		{"partial word no match", "kill yourselves", false},
		{"words separated", "kill and yourself", false},
		{"go die phrase", "go die already", true},
		{"clean message", "i love this chat", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(f.Match(tt.input)) > 0; got != tt.matched {
				t.Errorf("Match(%q) matched=%v, want %v", tt.input, got, tt.matched)
			}
		})
	}
}

func TestMatch_Leetspeak(t *testing.T) {
	f := mustFilter(t, []Category{{Flag: "kw", Weight: 1, Terms: []string{"badword", "offensive"}}})

	tests := []struct {
		name  string
		input string
	}{
		{"zero for o", "b@dw0rd"},
		{"at for a", "b@dword"},
		{"dollar for s", "off3n$ive"},
		{"one for i", "offens1ve"},
		{"exclaim for i", "offens!ve"},
		{"mixed leet", "0ff3n$!v3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if len(f.Match(tt.input)) == 0 {
				t.Errorf("Match(%q) found nothing, expected a hit", tt.input)
			}
		})
	}
}

func TestMatch_CategoryCountsOnce(t *testing.T) {
	f := mustFilter(t, []Category{
		{Flag: "threat", Weight: 1, Terms: []string{"go die"}},
		{Flag: "insult", Weight: 0.3, Terms: []string{"idiot", "moron"}},
	})

	hits := f.Match("idiot moron idiot, go die")
	if len(hits) != 2 {
		t.Fatalf("Match returned %d hits, want 2: %v", len(hits), hits)
	}
	if hits[0].Flag != "threat" || hits[1].Flag != "insult" {
		t.Errorf("hits not in category order: %v", hits)
	}
	if hits[1].Term != "idiot" {
		t.Errorf("insult term = %q, want first occurrence %q", hits[1].Term, "idiot")
	}
}

func TestMatch_DuplicateTermBelongsToFirstCategory(t *testing.T) {
	f := mustFilter(t, []Category{
		{Flag: "a", Weight: 1, Terms: []string{"dup"}},
		{Flag: "b", Weight: 1, Terms: []string{"dup", "", "  "}},
	})

	hits := f.Match("dup")
	if len(hits) != 1 || hits[0].Flag != "a" {
		t.Errorf("Match(dup) = %v, want single hit in category a", hits)
	}
}

func TestMatch_EmptyFilter(t *testing.T) {
	f := mustFilter(t, nil)
	if hits := f.Match("anything at all"); hits != nil {
		t.Errorf("empty filter returned %v", hits)
	}
}

func TestMatch_DefaultCleanMessages(t *testing.T) {
	f := NewFilter()

	messages := []string{
		"hello, how are you?",
		"nice weather today",
		"what are your hobbies?",
		"I love programming",
		"let's talk about the new sanctions report",
		"what class are you in?",
		"I need to assess the situation",
		"the grape harvest was great",
		"Scunthorpe United won again",
		"the spicy option is better",
		"",
	}

	for _, msg := range messages {
		if hits := f.Match(msg); len(hits) > 0 {
			t.Errorf("Match(%q) = %v, expected clean", msg, hits)
		}
	}
}

func TestMatch_DefaultBlocklist(t *testing.T) {
	f := NewFilter()

	blocked := map[string]string{
		"faggot":            "slur",
		"kill yourself":     "threat",
		"send nudes":        "sexual",
		"heil hitler":       "extremism",
		"this is bullshit":  "profanity",
		"f***ing hell":      "profanity",
		"sh1t happens":      "profanity",
		"free bitcoin here": "scam",
		"what an idiot":     "insult",
	}

	for text, flag := range blocked {
		hits := f.Match(text)
		if len(hits) == 0 || hits[0].Flag != flag {
			t.Errorf("Match(%q) = %v, want first flag %q", text, hits, flag)
		}
	}
}

func TestNormalizeLeet(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"hello", "hello"},
		{"h3ll0", "hello"},
		{"@ss", "ass"},
		{"$h!t", "shit"},
		{"UPPER", "upper"},
		{"ch@ng3", "change"},
		{"  spaced \t out ", "spaced out"},
	}

	for _, tt := range tests {
		if got := string(normalizeLeet(tt.input)); got != tt.want {
			t.Errorf("normalizeLeet(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

// BenchmarkMatch measures filter performance on a typical message.
func BenchmarkMatch(b *testing.B) {
	f := NewFilter()
	msg := "hey how are you doing today? any update on the shipping lane incidents near the strait?"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Match(msg)
	}
}

// BenchmarkMatch_LongMessage measures performance on longer messages.
func BenchmarkMatch_LongMessage(b *testing.B) {
	f := NewFilter()
	msg := strings.Repeat("this is a perfectly normal message with no bad content. ", 40)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		f.Match(msg)
	}
}
