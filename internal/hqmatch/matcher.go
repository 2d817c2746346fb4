// Package hqmatch maps speakers to affiliation units ("HQs"), either from
// a meeting display name or from a spoken self-declaration at the start of
// an utterance.
//
// Operators improvise unit names in live meetings, so an exact registry
// drifts from real speech. Matching therefore degrades through widening
// strategies (exact, substring, regex for names; exact then bidirectional
// containment for declarations) instead of failing closed.
package hqmatch

import (
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"

	"chronoai/internal/logger"
	"chronoai/internal/types"
)

// Sentence-initial declaration idioms, tried in order. Group 1 captures
// the declared unit name.
var declarationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(.+?本部)です`),
	regexp.MustCompile(`^(.+?班)です`),
	regexp.MustCompile(`^こちら(.+?本部)`),
	regexp.MustCompile(`^(.+?本部)から`),
}

var (
	leadingFillerRe = regexp.MustCompile(`^(ええと|えっと|あの|その|えー|ええ)\s*`)
	leadingParenRe  = regexp.MustCompile(`^[（(].*?[）)]\s*`)
	trailingParenRe = regexp.MustCompile(`\s*[（(].*?[）)]\s*$`)
)

const trimCutset = " \t　。、，,.・-—_"

// NormalizeDeclaredName cleans a captured declaration into a candidate
// unit name: leading fillers, parenthetical asides and surrounding
// punctuation are stripped.
//
//	"ええと北海道調整本部"   -> "北海道調整本部"
//	"（仮）北海道調整本部"   -> "北海道調整本部"
func NormalizeDeclaredName(declared string) string {
	s := strings.TrimSpace(declared)
	s = leadingFillerRe.ReplaceAllString(s, "")
	s = leadingParenRe.ReplaceAllString(s, "")
	s = trailingParenRe.ReplaceAllString(s, "")
	return strings.Trim(s, trimCutset)
}

// Matcher resolves display names and declarations against an ordered unit
// list. First unit in list order wins; only active units are considered.
type Matcher struct {
	log *logrus.Entry
}

func New() *Matcher {
	return &Matcher{log: logger.New().WithField("module", "hqmatch")}
}

// MatchByName matches a display name against unit patterns. Per unit it
// tries exact equality, substring containment, then regex search when the
// pattern is wrapped in slashes. Returns the first matching unit's id, or
// "" when nothing matches.
func (m *Matcher) MatchByName(displayName string, units []types.HQMaster) string {
	if displayName == "" {
		return ""
	}
	for _, hq := range units {
		if !hq.Active {
			continue
		}
		if m.patternMatches(displayName, hq.Pattern) {
			m.log.WithFields(logrus.Fields{
				"display_name": displayName,
				"hq_id":        hq.HQID,
				"hq_name":      hq.HQName,
			}).Info("display name matched HQ")
			return hq.HQID
		}
	}
	return ""
}

func (m *Matcher) patternMatches(displayName, pattern string) bool {
	if displayName == pattern {
		return true
	}
	if pattern != "" && strings.Contains(displayName, pattern) {
		return true
	}
	if len(pattern) > 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		re, err := regexp.Compile(pattern[1 : len(pattern)-1])
		if err != nil {
			m.log.WithFields(logrus.Fields{
				"pattern": pattern,
				"error":   err.Error(),
			}).Warn("invalid regex pattern, skipping")
			return false
		}
		return re.MatchString(displayName)
	}
	return false
}

// DetectDeclaration looks for a self-declaration at the start of text and
// resolves it to a registered unit. Returns the unit id, or "" when no
// declaration matches a known active unit.
func (m *Matcher) DetectDeclaration(text string, units []types.HQMaster) string {
	if text == "" {
		return ""
	}
	for _, re := range declarationPatterns {
		match := re.FindStringSubmatch(text)
		if match == nil {
			continue
		}
		declared := NormalizeDeclaredName(match[1])
		m.log.WithField("declared_name", declared).Debug("detected declaration")
		if hqID := matchDeclaration(declared, units); hqID != "" {
			m.log.WithField("hq_id", hqID).Info("declaration matched HQ")
			return hqID
		}
	}
	return ""
}

// ExtractDeclarationName returns the normalized declared name from the
// start of text even when no registered unit matches it, enabling
// auto-registration of previously unseen units. Returns "" when text
// carries no declaration.
func (m *Matcher) ExtractDeclarationName(text string) string {
	if text == "" {
		return ""
	}
	for _, re := range declarationPatterns {
		if match := re.FindStringSubmatch(text); match != nil {
			return NormalizeDeclaredName(match[1])
		}
	}
	return ""
}

// HQName resolves a unit id to its display name, "" when unknown.
func HQName(hqID string, units []types.HQMaster) string {
	if hqID == "" {
		return ""
	}
	for _, hq := range units {
		if hq.HQID == hqID {
			return hq.HQName
		}
	}
	return ""
}

// matchDeclaration resolves a normalized declared name using exact
// equality, then containment in either direction.
func matchDeclaration(declared string, units []types.HQMaster) string {
	if declared == "" {
		return ""
	}
	for _, hq := range units {
		if !hq.Active {
			continue
		}
		if hq.HQName == declared {
			return hq.HQID
		}
		if strings.Contains(hq.HQName, declared) || strings.Contains(declared, hq.HQName) {
			return hq.HQID
		}
	}
	return ""
}
