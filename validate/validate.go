// Package validate decides whether a sanitized chat message may reach the model.
//
// Checks are an ordered list of Rules; the first rule that matches rejects the
// message. The rules are heuristics layered under the persona constraints in the
// system prompt, so false positives and negatives are expected.
package validate

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Rejection reasons. These are logged and recorded, never shown verbatim to visitors.
const (
	ReasonTooShort      = "too short"
	ReasonTooLong       = "too long"
	ReasonNotAllowed    = "content not allowed"
	ReasonInvalidFormat = "invalid content format"
)

const (
	DefaultMinLength = 1
	DefaultMaxLength = 500
)

// Rule rejects a message when Match returns true.
type Rule struct {
	Name   string
	Reason string
	Match  func(text string) bool
}

// Result is the outcome of Validate. Rule names the rule that rejected the message.
type Result struct {
	Valid  bool
	Reason string
	Rule   string
}

// Config parameterises the default rule set.
type Config struct {
	MinLength   int
	MaxLength   int
	PersonaName string // "act as <PersonaName>" is not treated as a role override
}

// Validator applies an ordered rule list.
type Validator struct {
	rules []Rule
}

// New returns a Validator that runs rules in order.
func New(rules ...Rule) *Validator {
	return &Validator{rules: append([]Rule(nil), rules...)}
}

// NewDefault returns a Validator with the length, spam and injection rules.
func NewDefault(cfg Config) *Validator {
	return New(DefaultRules(cfg)...)
}

// Validate runs every rule until one rejects text.
func (v *Validator) Validate(text string) Result {
	for _, r := range v.rules {
		if r.Match(text) {
			return Result{Valid: false, Reason: r.Reason, Rule: r.Name}
		}
	}
	return Result{Valid: true}
}

// Rules returns a copy of the configured rule list.
func (v *Validator) Rules() []Rule {
	return append([]Rule(nil), v.rules...)
}

// DefaultRules builds the standard rule list: length bounds, then spam, then
// prompt injection.
func DefaultRules(cfg Config) []Rule {
	if cfg.MinLength <= 0 {
		cfg.MinLength = DefaultMinLength
	}
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = DefaultMaxLength
	}

	rules := []Rule{
		{Name: "min_length", Reason: ReasonTooShort, Match: func(s string) bool {
			return utf8.RuneCountInString(s) < cfg.MinLength
		}},
		{Name: "max_length", Reason: ReasonTooLong, Match: func(s string) bool {
			return utf8.RuneCountInString(s) > cfg.MaxLength
		}},
	}
	rules = append(rules, SpamRules()...)
	rules = append(rules, InjectionRules(cfg.PersonaName)...)
	return rules
}

// SpamRules reject repeated characters, links, commercial spam and token floods.
func SpamRules() []Rule {
	return []Rule{
		{Name: "repeated_chars", Reason: ReasonNotAllowed, Match: func(s string) bool {
			return longestRun(s) >= 11
		}},
		Pattern("url", ReasonNotAllowed, `(?i)\bhttps?://\S+|\bwww\.\S+`),
		Pattern("spam_terms", ReasonNotAllowed,
			`(?i)\b(?:viagra|cialis|casino|lottery|free money|buy now|click here|make money fast|crypto giveaway|bitcoin giveaway|seo services)\b`),
		{Name: "repeated_token", Reason: ReasonNotAllowed, Match: func(s string) bool {
			return longestTokenRun(s) >= 5
		}},
	}
}

// InjectionRules reject attempts to override the assistant's instructions or persona.
func InjectionRules(personaName string) []Rule {
	persona := strings.ToLower(strings.TrimSpace(personaName))
	actAs := regexp.MustCompile(`(?i)\bact\s+as\s+(?:an?\s+|the\s+|if\s+)?([\p{L}\p{N}_-]+)`)

	return []Rule{
		Pattern("ignore_instructions", ReasonInvalidFormat,
			`(?i)\bignore\s+(?:all\s+|any\s+|the\s+|your\s+)?(?:previous|above|all|prior|earlier)\s+(?:instructions?|prompts?|rules?)`),
		Pattern("disregard_instructions", ReasonInvalidFormat,
			`(?i)\bdisregard\s+(?:all\s+|any\s+|the\s+|your\s+)?(?:previous|above|prior|earlier)\b`),
		Pattern("role_reassignment", ReasonInvalidFormat, `(?i)\byou\s+are\s+(?:now|going\s+to\s+be)\b`),
		Pattern("forget_context", ReasonInvalidFormat, `(?i)\bforget\s+(?:everything|all|previous)\b`),
		{Name: "act_as", Reason: ReasonInvalidFormat, Match: func(s string) bool {
			for _, m := range actAs.FindAllStringSubmatch(s, -1) {
				if persona == "" || strings.ToLower(m[1]) != persona {
					return true
				}
			}
			return false
		}},
		Pattern("system_prefix", ReasonInvalidFormat, `(?im)^\s*system\s*:`),
		Pattern("pretend", ReasonInvalidFormat, `(?i)\bpretend\s+(?:you\s+are|you're|to\s+be)\b`),
	}
}

// Pattern builds a Rule that rejects text matching expr. It panics on an invalid
// expression, like regexp.MustCompile.
func Pattern(name, reason, expr string) Rule {
	re := regexp.MustCompile(expr)
	return Rule{Name: name, Reason: reason, Match: re.MatchString}
}

// longestRun returns the length of the longest run of one identical rune.
func longestRun(s string) int {
	best, run := 0, 0
	var prev rune = -1
	for _, r := range s {
		if r == prev {
			run++
		} else {
			prev, run = r, 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// longestTokenRun returns the longest run of one word repeated back to back,
// ignoring case and any separators between the repeats ("ha ha ha", "a.a.a").
func longestTokenRun(s string) int {
	tokens := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	best, run := 0, 0
	prev := ""
	for _, tok := range tokens {
		if tok == prev {
			run++
		} else {
			prev, run = tok, 1
		}
		if run > best {
			best = run
		}
	}
	return best
}
