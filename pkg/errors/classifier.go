package errors

import (
	"strings"
	"sync"

	"github.com/S-Corkum/orchestrator-core/pkg/types"
)

// Failure is the input to Classify: a raw error plus the optional
// context a caller has available about where it came from.
type Failure struct {
	Err        error
	Provider   string
	StatusCode int    // 0 if not an HTTP-like failure
	Tag        string // e.g. an exception class name, "selector_not_found", "captcha"
	// Retryable is the caller-set hint consulted only when the pattern
	// rules fall through to CategoryUnknown.
	Retryable bool
}

// rule is one ordered pattern match. A rule with an empty statusCodes set
// matches on substring only.
type rule struct {
	category    Category
	statusCodes map[int]struct{}
	substrings  []string
	hint        string
}

// rules are evaluated in order; the first match wins. Status-code matches
// carry confidence 1.0, substring matches a lower confidence.
var rules = []rule{
	{category: CategoryRateLimit, statusCodes: intSet(429), substrings: []string{"rate limit", "too many requests", "throttle"}, hint: "wait_and_retry"},
	{category: CategoryAuth, statusCodes: intSet(401, 403), substrings: []string{"unauthorized", "forbidden", "authentication", "invalid credentials"}, hint: "reset_session"},
	{category: CategoryTimeout, statusCodes: intSet(504, 408), substrings: []string{"timeout", "timed out", "deadline exceeded"}, hint: "wait_and_retry"},
	{category: CategoryServerError, statusCodes: intSet(500, 502, 503), substrings: []string{"internal server error", "bad gateway", "service unavailable"}, hint: "restart_browser"},
	{category: CategoryValidation, statusCodes: intSet(400, 422), substrings: []string{"invalid input", "validation failed", "bad request"}, hint: ""},
	{category: CategoryParsing, substrings: []string{"parse error", "unexpected token", "malformed", "unmarshal"}, hint: ""},
	{category: CategoryBrowser, substrings: []string{"selector not found", "element not found", "navigation failed", "browser crashed", "captcha"}, hint: "restart_browser"},
	{category: CategoryNetwork, substrings: []string{"connection refused", "connection reset", "no route to host", "dns", "network unreachable"}, hint: "wait_and_retry"},
	{category: CategoryResource, substrings: []string{"out of memory", "disk full", "resource exhausted", "too many open files"}, hint: "restart_browser"},
	{category: CategoryTransient, substrings: []string{"temporarily unavailable", "try again"}, hint: "wait_and_retry"},
}

func intSet(codes ...int) map[int]struct{} {
	set := make(map[int]struct{}, len(codes))
	for _, c := range codes {
		set[c] = struct{}{}
	}
	return set
}

// learnedEntry is one row of the classifier's learned table.
type learnedEntry struct {
	category    Category
	sampleCount int
}

// Classifier maps raw failures to classifications. It is pure modulo its
// learned table, which is updated by explicit feedback from the
// self-healing controller and is safe for concurrent use.
type Classifier struct {
	mu      sync.RWMutex
	learned map[string]learnedEntry
}

// NewClassifier creates an empty classifier.
func NewClassifier() *Classifier {
	return &Classifier{learned: make(map[string]learnedEntry)}
}

func learnedKey(provider, message string) string {
	return provider + "|" + types.Fingerprint(message)
}

// Classify maps a Failure to a ClassifiedError. It consults the learned
// table first (confidence scaling with sample count up to a cap of 10
// samples), falling through to the ordered pattern rules.
func (c *Classifier) Classify(f Failure) *ClassifiedError {
	message := ""
	if f.Err != nil {
		message = f.Err.Error()
	}

	if cat, confidence, ok := c.lookupLearned(f.Provider, message); ok {
		return c.build(f, cat, confidence, "")
	}

	lower := strings.ToLower(message)
	for _, r := range rules {
		if f.StatusCode != 0 {
			if _, matched := r.statusCodes[f.StatusCode]; matched {
				return c.build(f, r.category, 1.0, r.hint)
			}
		}
		for _, sub := range r.substrings {
			if strings.Contains(lower, sub) {
				return c.build(f, r.category, 0.6, r.hint)
			}
		}
	}

	// Unknown: retryable follows the caller's hint, else false.
	ce := c.build(f, CategoryUnknown, 0.0, "")
	ce.Retryable = f.Retryable
	return ce
}

func (c *Classifier) build(f Failure, category Category, confidence float64, hint string) *ClassifiedError {
	ce := New("classified", category, errMessage(f), f.Err)
	ce.Provider = f.Provider
	ce.Confidence = confidence
	ce.RecoveryHint = hint
	return ce
}

func errMessage(f Failure) string {
	if f.Err != nil {
		return f.Err.Error()
	}
	return f.Tag
}

func (c *Classifier) lookupLearned(provider, message string) (Category, float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.learned[learnedKey(provider, message)]
	if !ok {
		return "", 0, false
	}
	confidence := float64(entry.sampleCount) / 10.0
	if confidence > 1.0 {
		confidence = 1.0
	}
	return entry.category, confidence, true
}

// Learn records explicit feedback from the self-healing controller: a
// recovery action's success or failure confirms (or corrects) the
// category previously assigned to a (provider, message) pair.
func (c *Classifier) Learn(provider, message string, category Category) {
	key := learnedKey(provider, message)
	c.mu.Lock()
	defer c.mu.Unlock()
	entry := c.learned[key]
	if entry.category != category {
		entry.category = category
		entry.sampleCount = 1
	} else {
		entry.sampleCount++
	}
	c.learned[key] = entry
}
