// Package rules decides which letter templates apply to a claim.
package rules

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"claimsportal/pkg/domain"
)

// Pair is one letter to render: a sub-claim, the rule that selected it and
// the template path that exists on disk.
type Pair struct {
	SubClaim     domain.SubClaim
	Rule         domain.Rule
	TemplateFile string
	TemplatePath string
}

// Matcher evaluates a rule snapshot against a claim.
type Matcher struct {
	templatesDir string
	exists       func(path string) bool
}

func NewMatcher(templatesDir string) *Matcher {
	return &Matcher{templatesDir: templatesDir, exists: fileExists}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Match returns the (sub-claim, rule) pairs to render, ordered by feature
// number then rule priority. A non-empty selected list restricts the rules
// by id. Pairs whose template file is missing are dropped.
func (m *Matcher) Match(claim domain.Claim, snapshot []domain.Rule, selected []string) []Pair {
	allow := map[string]struct{}{}
	for _, id := range selected {
		allow[strings.TrimSpace(id)] = struct{}{}
	}
	ordered := append([]domain.Rule(nil), snapshot...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority < ordered[j].Priority
		}
		return ordered[i].DocumentName < ordered[j].DocumentName
	})
	subs := append([]domain.SubClaim(nil), claim.SubClaims...)
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].FeatureNumber < subs[j].FeatureNumber })

	represented := claim.HasAttorney()
	var out []Pair
	for _, sc := range subs {
		for _, rule := range ordered {
			if !rule.IsActive {
				continue
			}
			if !strings.EqualFold(strings.TrimSpace(rule.Coverage), strings.TrimSpace(sc.Coverage)) {
				continue
			}
			if rule.HasAttorney != represented {
				continue
			}
			if !ClaimantMatches(rule, sc) {
				continue
			}
			if len(allow) > 0 {
				if _, ok := allow[rule.ID]; !ok {
					continue
				}
			}
			file := TemplateFile(rule)
			path := m.templatePath(file)
			if path == "" || !m.exists(path) {
				continue
			}
			out = append(out, Pair{SubClaim: sc, Rule: rule, TemplateFile: file, TemplatePath: path})
		}
	}
	return out
}

// templatePath keeps template lookups inside the templates directory.
func (m *Matcher) templatePath(file string) string {
	clean := filepath.Clean(string(filepath.Separator) + file)
	if clean == string(filepath.Separator) {
		return ""
	}
	return filepath.Join(m.templatesDir, clean)
}

// TemplateFile is the rule's template, or its sanitized document name with
// an .html extension when none is configured.
func TemplateFile(rule domain.Rule) string {
	if f := strings.TrimSpace(rule.TemplateFile); f != "" {
		return f
	}
	name := domain.SanitizeFileName(rule.DocumentName)
	if name == "" {
		return ""
	}
	return name + ".html"
}

// ClaimantMatches compares role tags when both sides carry one, otherwise
// it falls back to normalized text matching of the rule's claimant field.
func ClaimantMatches(rule domain.Rule, sc domain.SubClaim) bool {
	if rule.ClaimantRole != domain.RoleUnspecified && sc.Role != domain.RoleUnspecified {
		return rule.ClaimantRole == sc.Role
	}
	r := Normalize(rule.Claimant)
	if r == "" {
		return false
	}
	name := Normalize(sc.ClaimantName)
	kind := Normalize(sc.ClaimType)
	for _, word := range []string{"driver", "passenger", "third"} {
		if strings.Contains(r, word) && (strings.Contains(kind, word) || strings.Contains(name, word)) {
			return true
		}
	}
	return r == name || r == kind
}

// Normalize strips everything but letters and digits and lower-cases.
func Normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
