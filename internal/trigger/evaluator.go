// Package trigger implements the trigger matching and rate-limiting engine.
//
// It evaluates user-defined rules against incoming chat messages, enforces
// per-rule usage limits (cooldowns, daily caps, probabilistic gating), and
// renders response templates with variable substitution.
package trigger

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/TriggerPipe/internal/models"
)

// DefaultClassifierTimeout bounds a single smart-condition classifier call.
const DefaultClassifierTimeout = 10 * time.Second

// ErrClassifierUnavailable is returned by a Classifier that is not ready to
// serve requests. The evaluator falls back to keyword matching in that case.
var ErrClassifierUnavailable = errors.New("intent classifier unavailable")

// Classifier is the external capability backing smart conditions. It decides
// whether a message matches a natural-language trigger description.
type Classifier interface {
	Classify(ctx context.Context, description, text string) (bool, error)
}

// Evaluator decides whether a single condition matches a message text.
//
// Evaluation is deterministic and side-effect-free for every kind except
// smart, which delegates to the classifier. Any evaluation failure is
// reported as no-match, never as an error or an implicit match.
type Evaluator struct {
	classifier Classifier
	timeout    time.Duration

	// compiled regexes are cached per pattern+flags; patterns were already
	// validated at creation time, so cache entries are stable
	mu    sync.RWMutex
	cache map[string]*regexp.Regexp
}

// NewEvaluator creates an Evaluator. The classifier may be nil, in which case
// smart conditions use the keyword fallback.
func NewEvaluator(classifier Classifier) *Evaluator {
	return &Evaluator{
		classifier: classifier,
		timeout:    DefaultClassifierTimeout,
		cache:      make(map[string]*regexp.Regexp),
	}
}

// SetClassifierTimeout overrides the per-call classifier timeout.
func (e *Evaluator) SetClassifierTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// Evaluate reports whether the condition matches the message text.
func (e *Evaluator) Evaluate(ctx context.Context, cond models.Condition, text string) bool {
	switch cond.Kind {
	case models.KindExact:
		return fold(text, cond.CaseSensitive) == fold(cond.Pattern, cond.CaseSensitive)
	case models.KindContains:
		if cond.WholeWordOnly {
			return e.matchWholeWord(cond, text)
		}
		return strings.Contains(fold(text, cond.CaseSensitive), fold(cond.Pattern, cond.CaseSensitive))
	case models.KindStartsWith:
		return strings.HasPrefix(fold(text, cond.CaseSensitive), fold(cond.Pattern, cond.CaseSensitive))
	case models.KindEndsWith:
		return strings.HasSuffix(fold(text, cond.CaseSensitive), fold(cond.Pattern, cond.CaseSensitive))
	case models.KindRegex:
		return e.matchRegex(cond, text)
	case models.KindSmart:
		return e.matchSmart(ctx, cond, text)
	default:
		slog.Warn("Evaluator.Evaluate: unknown condition kind", "kind", cond.Kind)
		return false
	}
}

// fold lowercases s unless the condition is case sensitive.
func fold(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

// matchWholeWord matches the pattern bounded by non-word characters.
func (e *Evaluator) matchWholeWord(cond models.Condition, text string) bool {
	expr := `\b` + regexp.QuoteMeta(cond.Pattern) + `\b`
	if !cond.CaseSensitive {
		expr = `(?i)` + expr
	}
	re, err := e.compile(expr)
	if err != nil {
		// QuoteMeta makes this unreachable for valid patterns; fail safe anyway
		slog.Error("Evaluator.matchWholeWord: compile failed", "error", err, "pattern", cond.Pattern)
		return false
	}
	return re.MatchString(text)
}

// matchRegex applies the pattern as a search over the raw message text.
// Case insensitivity is a regex flag rather than text pre-folding so that
// regex semantics are preserved.
func (e *Evaluator) matchRegex(cond models.Condition, text string) bool {
	expr := cond.Pattern
	if !cond.CaseSensitive {
		expr = `(?i)` + expr
	}
	re, err := e.compile(expr)
	if err != nil {
		// Patterns are validated at creation, but definitions loaded from
		// storage may predate validation; treat as no-match
		slog.Error("Evaluator.matchRegex: compile failed", "error", err, "pattern", cond.Pattern)
		return false
	}
	return re.MatchString(text)
}

// matchSmart asks the classifier whether the message matches the pattern
// read as a natural-language description. When the classifier is missing or
// reports itself unavailable, the pattern degrades to a space-separated
// keyword list; this is a deliberate degraded mode, not an error.
func (e *Evaluator) matchSmart(ctx context.Context, cond models.Condition, text string) bool {
	if e.classifier == nil {
		return keywordFallback(cond.Pattern, text)
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	matched, err := e.classifier.Classify(cctx, cond.Pattern, text)
	if err != nil {
		if errors.Is(err, ErrClassifierUnavailable) {
			slog.Debug("Evaluator.matchSmart: classifier unavailable, using keyword fallback", "pattern", cond.Pattern)
			return keywordFallback(cond.Pattern, text)
		}
		// Timeouts and transport errors are conservative no-matches
		slog.Warn("Evaluator.matchSmart: classifier call failed", "error", err)
		return false
	}
	return matched
}

// keywordFallback reports a match if any whitespace-separated keyword of the
// description occurs in the text, case-insensitively.
func keywordFallback(description, text string) bool {
	lowered := strings.ToLower(text)
	for _, keyword := range strings.Fields(strings.ToLower(description)) {
		if strings.Contains(lowered, keyword) {
			return true
		}
	}
	return false
}

// compile returns a cached compiled regex for the expression.
func (e *Evaluator) compile(expr string) (*regexp.Regexp, error) {
	e.mu.RLock()
	re, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.cache[expr] = re
	e.mu.Unlock()
	return re, nil
}
