// Package rules provides the CEL-Go based suspect-signal rule engine.
package rules

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Engine evaluates named boolean CEL rules over aggregated user signals.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules []*CompiledRule
	logger        *slog.Logger
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule    domain.SuspectRule
	Program cel.Program
}

// SettingKey is the settings row holding an operator-supplied rule set.
const SettingKey = "scoring.rules"

// NewEngine creates a new rule engine. A nil logger uses slog.Default.
func NewEngine(logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("account_age_days", cel.IntType),
		cel.Variable("completed_orders", cel.IntType),
		cel.Variable("cancelled_orders", cel.IntType),
		cel.Variable("report_count", cel.IntType),
		cel.Variable("kyc_verified", cel.BoolType),
		cel.Variable("bank_verified", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:    env,
		logger: logger,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule domain.SuspectRule) error {
	_, err := e.compileRule(rule)
	return err
}

// LoadRule compiles and appends a rule. A rule with the same name is replaced.
func (e *Engine) LoadRule(rule domain.SuspectRule) error {
	compiled, err := e.compileRule(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, existing := range e.compiledRules {
		if existing.Rule.Name == rule.Name {
			e.compiledRules[i] = compiled
			return nil
		}
	}
	e.compiledRules = append(e.compiledRules, compiled)

	return nil
}

// ReloadRules replaces the loaded rule set. On error the previous set is kept.
func (e *Engine) ReloadRules(rules []domain.SuspectRule) error {
	newRules := make([]*CompiledRule, 0, len(rules))
	seen := make(map[string]bool, len(rules))
	for _, rule := range rules {
		if seen[rule.Name] {
			return fmt.Errorf("%w: duplicate rule name %q", domain.ErrInvalidInput, rule.Name)
		}
		seen[rule.Name] = true

		compiled, err := e.compileRule(rule)
		if err != nil {
			return err
		}
		newRules = append(newRules, compiled)
	}

	e.mu.Lock()
	e.compiledRules = newRules
	e.mu.Unlock()

	return nil
}

// Count evaluates every loaded rule against s in load order and returns how
// many fired along with their names. A rule that fails to evaluate is
// treated as not fired.
func (e *Engine) Count(s domain.Signals) (int, []string) {
	e.mu.RLock()
	rules := e.compiledRules
	e.mu.RUnlock()

	if len(rules) == 0 {
		return 0, nil
	}

	activation := map[string]any{
		"account_age_days": int64(nonNegative(s.AccountAgeDays)),
		"completed_orders": int64(nonNegative(s.CompletedOrders)),
		"cancelled_orders": int64(nonNegative(s.CancelledOrders)),
		"report_count":     int64(nonNegative(s.ReportCount)),
		"kyc_verified":     s.KYCVerified,
		"bank_verified":    s.BankVerified,
	}

	var fired []string
	for _, rule := range rules {
		out, _, err := rule.Program.Eval(activation)
		if err != nil {
			e.logger.Warn("suspect rule evaluation failed",
				"rule", rule.Rule.Name,
				"user_id", s.UserID,
				"error", err,
			)
			continue
		}
		if b, ok := out.(types.Bool); ok && bool(b) {
			fired = append(fired, rule.Rule.Name)
		}
	}

	return len(fired), fired
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// GetLoadedRules returns the currently loaded rules in evaluation order.
func (e *Engine) GetLoadedRules() []domain.SuspectRule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]domain.SuspectRule, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Rule)
	}
	return rules
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = nil
	return nil
}

func (e *Engine) compileRule(rule domain.SuspectRule) (*CompiledRule, error) {
	if rule.Name == "" {
		return nil, fmt.Errorf("%w: rule name is required", domain.ErrInvalidInput)
	}

	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.Name, issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.Name, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.Name, err)
	}

	return &CompiledRule{
		Rule:    rule,
		Program: program,
	}, nil
}

func nonNegative(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
