// Package detection evaluates telemetry events against a registry of rules and folds their findings
// into a single risk verdict.
package detection

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ocsafe/cyberguard/internal/metrics"
	"github.com/ocsafe/cyberguard/internal/models"
)

// MaxRiskScore caps the summed rule weights.
const MaxRiskScore = 100

// Verdict is the engine output. It is the same value persisted with the event.
type Verdict = models.Verdict

// ErrDuplicateRule is returned by Register when a rule with the same name is already registered.
var ErrDuplicateRule = errors.New("detection rule already registered")

// Event is the input to the engine: one agent observation.
type Event struct {
	DeviceID int64
	Action   string
	Metadata map[string]any
}

// Finding is a positive rule match.
type Finding struct {
	Reason string
	Weight int
}

// Rule inspects one event. A nil Finding with a nil error means the rule did not match.
type Rule interface {
	Name() string
	Evaluate(ev Event) (*Finding, error)
}

type funcRule struct {
	name string
	fn   func(Event) (*Finding, error)
}

func (r funcRule) Name() string { return r.name }
func (r funcRule) Evaluate(ev Event) (*Finding, error) { return r.fn(ev) }

// RuleFunc adapts a plain function to the Rule interface.
func RuleFunc(name string, fn func(Event) (*Finding, error)) Rule {
	return funcRule{name: name, fn: fn}
}

// Engine runs registered rules in registration order. It is safe for concurrent use.
type Engine struct {
	mu     sync.RWMutex
	rules  []Rule
	names  map[string]struct{}
	logger *zap.Logger
}

// NewEngine creates an engine with the given rules registered in order.
func NewEngine(logger *zap.Logger, rules ...Rule) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{names: make(map[string]struct{}), logger: logger}
	for _, r := range rules {
		if err := e.Register(r); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Register appends a rule. Rules are evaluated in the order they were registered.
func (e *Engine) Register(rule Rule) error {
	if rule == nil {
		return errors.New("detection rule is nil")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.names[rule.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.Name())
	}
	e.names[rule.Name()] = struct{}{}
	e.rules = append(e.rules, rule)
	return nil
}

// Rules returns the registered rule names in evaluation order.
func (e *Engine) Rules() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Name()
	}
	return out
}

// Evaluate runs every rule against ev. A rule that errors or panics is skipped and marks the
// verdict degraded; the remaining rules still contribute.
func (e *Engine) Evaluate(ev Event) Verdict {
	e.mu.RLock()
	rules := make([]Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.RUnlock()

	var (
		findings []Finding
		degraded bool
		total    int
	)
	for _, r := range rules {
		f, err := e.run(r, ev)
		if err != nil {
			degraded = true
			metrics.RuleFaults.WithLabelValues(r.Name()).Inc()
			e.logger.Warn("detection rule failed",
				zap.String("rule", r.Name()),
				zap.Int64("device_id", ev.DeviceID),
				zap.String("action", ev.Action),
				zap.Error(err),
			)
			continue
		}
		if f == nil {
			continue
		}
		f.Weight = clampWeight(f.Weight)
		if f.Weight == 0 {
			continue
		}
		findings = append(findings, *f)
		total += f.Weight
	}

	// Stable: equal weights keep registration order.
	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Weight > findings[j].Weight })

	reasons := make([]string, 0, len(findings))
	for _, f := range findings {
		reasons = append(reasons, f.Reason)
	}
	if total > MaxRiskScore {
		total = MaxRiskScore
	}
	metrics.RiskScore.Observe(float64(total))

	return Verdict{
		IsThreat:  total > 0,
		RiskScore: total,
		Reasons:   reasons,
		Degraded:  degraded,
	}
}

func (e *Engine) run(r Rule, ev Event) (f *Finding, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			f, err = nil, fmt.Errorf("rule panicked: %v", rec)
		}
	}()
	return r.Evaluate(ev)
}

func clampWeight(w int) int {
	if w < 0 {
		return 0
	}
	if w > MaxRiskScore {
		return MaxRiskScore
	}
	return w
}
