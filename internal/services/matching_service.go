package services

import (
	"net/mail"
	"regexp"
	"strings"

	"github.com/justsurfingit/applytrail/internal/models"
)

// Approach-
// Small explicit rule set first: subject pattern, sender name, sender domain.
// Anything the rules cannot place is surfaced for manual review.

// Derivation sources, in the order they are tried.
const (
	SourceSubject = "subject"
	SourceSender  = "sender"
	SourceDomain  = "domain"
)

// Derived is the company (and role, when the subject names one) an e-mail
// is about.
type Derived struct {
	Company string `json:"company"`
	Role    string `json:"role,omitempty"`
	Source  string `json:"source"`
}

var (
	applicationRe = regexp.MustCompile(`(?i)application (?:to|for)\s+(.+?)\s+at\s+(.+)`)
	parentheticRe = regexp.MustCompile(`\s*\([^)]*\)\s*$`)
)

// genericSenders never name the hiring company.
var genericSenders = []string{
	"linkedin", "indeed", "glassdoor", "gupy", "no-reply", "noreply",
	"jobs", "notifications", "talent",
}

// genericDomains are mail or ATS providers, not employers.
var genericDomains = []string{
	"gmail", "googlemail", "outlook", "hotmail", "yahoo", "icloud",
	"linkedin", "indeed", "glassdoor", "gupy", "greenhouse", "lever",
	"workday", "myworkday", "smartrecruiters", "ashbyhq", "teamtailor",
}

type MatcherService struct{}

func NewMatcherService() *MatcherService {
	return &MatcherService{}
}

// Derive extracts the candidate company from a rejection e-mail.
func (s *MatcherService) Derive(subject, senderDisplay, senderAddress string) (Derived, bool) {
	// --- RULE 1: Subject Line ---
	// "Your application to Senior Engineer at PDtec Sistemas | Uma\nempresa"
	if m := applicationRe.FindStringSubmatch(subject); m != nil {
		company := cleanCompany(m[2])
		if len(company) >= 3 {
			return Derived{Company: company, Role: cleanLine(m[1]), Source: SourceSubject}, true
		}
	}

	// --- RULE 2: Sender Display Name ---
	// "Stripe Recruiting" names the company, "LinkedIn" does not.
	name := strings.TrimSpace(senderDisplay)
	if name != "" && !containsAny(strings.ToLower(name), genericSenders) {
		return Derived{Company: name, Source: SourceSender}, true
	}

	// --- RULE 3: Sender Domain ---
	// "jobs@careers.stripe.com" -> "stripe"
	if label := domainLabel(senderAddress); label != "" && !containsAny(label, genericDomains) {
		return Derived{Company: label, Source: SourceDomain}, true
	}
	return Derived{}, false
}

// ParseSender splits a From header the way Derive expects it.
func ParseSender(raw string) (display, address string) {
	parsed, err := mail.ParseAddress(raw)
	if err != nil {
		return "", strings.TrimSpace(raw) // Fallback if parsing fails
	}
	return parsed.Name, parsed.Address
}

// Match returns the jobs d refers to among candidates: exact company match
// first, then the token-and-role fuzzy fallback.
func (s *MatcherService) Match(d Derived, candidates []models.Job) []models.Job {
	company := strings.ToLower(d.Company)
	var exact []models.Job
	for _, j := range candidates {
		name := strings.ToLower(jobCompany(&j))
		// SAFETY CHECK: Skip very short names to avoid false positives.
		if len(name) < 3 {
			continue
		}
		if strings.Contains(company, name) || (len(company) >= 3 && strings.Contains(name, company)) {
			exact = append(exact, j)
		}
	}
	if len(exact) > 0 {
		return exact
	}

	token := firstToken(company, 3)
	role := strings.ToLower(strings.TrimSpace(d.Role))
	if r := []rune(role); len(r) > 15 {
		role = string(r[:15])
	}
	if token == "" || role == "" {
		return nil
	}
	var fuzzy []models.Job
	for _, j := range candidates {
		name := strings.ToLower(jobCompany(&j))
		if strings.Contains(name, token) && strings.Contains(strings.ToLower(j.Title), role) {
			fuzzy = append(fuzzy, j)
		}
	}
	return fuzzy
}

// MostRecent picks the job applied to last. Jobs without a date lose.
func MostRecent(jobs []models.Job) *models.Job {
	var best *models.Job
	for i := range jobs {
		j := &jobs[i]
		switch {
		case best == nil:
			best = j
		case j.AppliedOn != nil && (best.AppliedOn == nil || j.AppliedOn.After(*best.AppliedOn)):
			best = j
		}
	}
	return best
}

// cleanCompany strips what follows the company name in a subject line:
// post-newline noise, separator suffixes, parentheticals and trailing
// punctuation.
func cleanCompany(s string) string {
	s = cleanLine(s)
	for _, sep := range []string{" | ", "|", " · ", " - ", " – "} {
		if i := strings.Index(s, sep); i > 0 {
			s = s[:i]
		}
	}
	s = parentheticRe.ReplaceAllString(trimPunct(s), "")
	return trimPunct(s)
}

func trimPunct(s string) string {
	return strings.TrimRight(strings.TrimSpace(s), ".,;:!?-–| ")
}

func cleanLine(s string) string {
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func domainLabel(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return ""
	}
	labels := strings.Split(strings.ToLower(strings.Trim(address[at+1:], "> ")), ".")
	if len(labels) < 2 {
		return ""
	}
	labels = labels[:len(labels)-1] // TLD
	// "com.br", "co.uk"
	if n := len(labels); n > 1 && (labels[n-1] == "com" || labels[n-1] == "co") {
		labels = labels[:n-1]
	}
	return labels[len(labels)-1]
}

func firstToken(s string, minLen int) string {
	for _, tok := range strings.Fields(s) {
		if len(tok) >= minLen {
			return tok
		}
	}
	return ""
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
