// Package classify labels incidents with a sub-type from their description
// and nearby documentation. The matcher is a deterministic ordered heuristic:
// rules are checked in priority tiers and the first hit wins.
package classify

import "strings"

const (
	SubTypeWitnessed   = "witnessed"
	SubTypeUnwitnessed = "unwitnessed"
	SubTypeUnknown     = "unknown"
)

// Tier 1: explicit keywords, including misspellings seen in real charting.
// Negated forms are checked before the bare token so "not witnessed" never
// matches "witnessed".
var negatedWitnessPhrases = []string{
	"not witnessed",
	"no one witnessed",
	"nobody witnessed",
	"no witness",
	"unwitnessed",
	"un-witnessed",
	"un witnessed",
	"unwitnesed",
	"unwitnssed",
}

var witnessKeywords = []string{
	"witnessed",
	"witnesed",
	"wittnessed",
	"whitnessed",
}

// Tier 2: single tokens that are near-certain for an unwitnessed event. A
// resident who was "found" was by definition not seen going down, and an
// alarm or call bell firing means staff arrived after the fact.
var foundTokens = []string{
	"found",
	"discovered",
}

var alarmPhrases = []string{
	"bed alarm",
	"chair alarm",
	"fall alarm",
	"alarm sounded",
	"alarm sounding",
	"alarm went off",
	"call bell",
	"call-bell",
	"callbell",
	"call light",
	"sensor pad",
	"sensor alarm",
	"motion sensor",
}

// Tier 3: "saw" context pairs. "Saw him fall" is an observation of the event;
// "saw him on the floor" is an observation of the aftermath.
var sawActionVerbs = map[string]bool{
	"fall":     true,
	"falling":  true,
	"fell":     true,
	"slip":     true,
	"slipping": true,
	"slide":    true,
	"sliding":  true,
	"trip":     true,
	"tripping": true,
	"stumble":  true,
	"tumble":   true,
	"lose":     true,
	"losing":   true,
	"collapse": true,
}

var sawPositionWords = map[string]bool{
	"floor":    true,
	"ground":   true,
	"lying":    true,
	"laying":   true,
	"sitting":  true,
	"kneeling": true,
	"slumped":  true,
	"down":     true,
}

// Filler words skipped between "saw" and its object.
var sawSkipWords = map[string]bool{
	"the": true, "a": true, "an": true,
	"him": true, "her": true, "them": true,
	"resident": true, "patient": true, "pt": true,
	"was": true, "is": true, "on": true, "to": true,
	"start": true, "starting": true, "begin": true, "beginning": true,
}

type contextRule struct {
	phrase  string
	subType string
}

// Tier 4: broader contextual phrases in fixed priority order; witnessed
// phrases are more specific so they are checked first.
var contextRules = []contextRule{
	{"observed the fall", SubTypeWitnessed},
	{"observed resident fall", SubTypeWitnessed},
	{"observed to fall", SubTypeWitnessed},
	{"staff present", SubTypeWitnessed},
	{"staff member present", SubTypeWitnessed},
	{"lowered to the floor", SubTypeWitnessed},
	{"assisted to the floor", SubTypeWitnessed},
	{"eased to the floor", SubTypeWitnessed},
	{"during transfer", SubTypeWitnessed},
	{"while being assisted", SubTypeWitnessed},
	{"in view of staff", SubTypeWitnessed},
	{"on the floor", SubTypeUnwitnessed},
	{"on the ground", SubTypeUnwitnessed},
	{"on floor", SubTypeUnwitnessed},
	{"beside the bed", SubTypeUnwitnessed},
	{"next to the bed", SubTypeUnwitnessed},
	{"states that she fell", SubTypeUnwitnessed},
	{"states that he fell", SubTypeUnwitnessed},
	{"states she fell", SubTypeUnwitnessed},
	{"states he fell", SubTypeUnwitnessed},
	{"reports falling", SubTypeUnwitnessed},
	{"reported falling", SubTypeUnwitnessed},
	{"self-reported", SubTypeUnwitnessed},
	{"heard a thud", SubTypeUnwitnessed},
	{"heard a noise", SubTypeUnwitnessed},
	{"heard a bang", SubTypeUnwitnessed},
}

// Classify returns the sub-type for an incident given its description and
// the texts of related notes, most relevant first. It is pure and
// deterministic; unknown is a valid result, not an error.
func Classify(description string, noteTexts []string) string {
	parts := make([]string, 0, len(noteTexts)+1)
	parts = append(parts, description)
	parts = append(parts, noteTexts...)
	text := strings.ToLower(strings.Join(parts, " \n "))

	for _, phrase := range negatedWitnessPhrases {
		if strings.Contains(text, phrase) {
			return SubTypeUnwitnessed
		}
	}
	for _, kw := range witnessKeywords {
		if containsWord(text, kw) {
			return SubTypeWitnessed
		}
	}

	for _, tok := range foundTokens {
		if containsWord(text, tok) {
			return SubTypeUnwitnessed
		}
	}
	for _, phrase := range alarmPhrases {
		if strings.Contains(text, phrase) {
			return SubTypeUnwitnessed
		}
	}
	if containsWord(text, "alarm") || containsWord(text, "sensor") {
		return SubTypeUnwitnessed
	}

	if sub := classifySawContext(text); sub != SubTypeUnknown {
		return sub
	}

	for _, rule := range contextRules {
		if strings.Contains(text, rule.phrase) {
			return rule.subType
		}
	}
	return SubTypeUnknown
}

// classifySawContext inspects the words following each "saw" occurrence.
func classifySawContext(text string) string {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '\''
	})
	for i, w := range words {
		if w != "saw" {
			continue
		}
		for j := i + 1; j < len(words) && j <= i+4; j++ {
			next := words[j]
			if sawSkipWords[next] {
				continue
			}
			if sawActionVerbs[next] {
				return SubTypeWitnessed
			}
			if sawPositionWords[next] {
				return SubTypeUnwitnessed
			}
			break
		}
	}
	return SubTypeUnknown
}

func containsWord(text, word string) bool {
	idx := 0
	for {
		pos := strings.Index(text[idx:], word)
		if pos < 0 {
			return false
		}
		start := idx + pos
		end := start + len(word)
		beforeOK := start == 0 || !isWordChar(text[start-1])
		afterOK := end == len(text) || !isWordChar(text[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
		if idx >= len(text) {
			return false
		}
	}
}

func isWordChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') || b == '\''
}
