// Package classify evaluates operator-defined CEL rules against message
// metadata at ingest time and produces boolean flags for the index, such
// as is_spam. Rules are advisory annotations, so a rule that fails to
// evaluate skips that message instead of blocking ingestion.
package classify

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Rule is one classification rule. Expr is a CEL expression over the
// `message` map and `timestamp`; when it evaluates true the named flag is
// set on the document.
type Rule struct {
	Name string `yaml:"name"`
	Flag string `yaml:"flag"`
	Expr string `yaml:"expr"`
}

type ruleFile struct {
	Rules []Rule `yaml:"rules"`
}

type compiledRule struct {
	name string
	flag string
	prg  cel.Program
}

// Classifier compiles rules once and evaluates them per message. Rule sets
// can be swapped at runtime; evaluation holds only a read lock.
type Classifier struct {
	env    *cel.Env
	logger *slog.Logger

	mu    sync.RWMutex
	rules []compiledRule
}

// New creates a classifier with an empty rule set.
func New(logger *slog.Logger) (*Classifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	env, err := cel.NewEnv(
		cel.Variable("message", cel.DynType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("classify: failed to create CEL environment: %w", err)
	}
	return &Classifier{
		env:    env,
		logger: logger.With("component", "classify"),
	}, nil
}

// LoadFile reads a YAML rule file and installs its rules. A missing path
// leaves the classifier empty, which flags nothing.
func (c *Classifier) LoadFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Info("no classification rules file, flagging disabled", "path", path)
			return nil
		}
		return fmt.Errorf("classify: failed to read rules file: %w", err)
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("classify: failed to parse rules file: %w", err)
	}
	if err := c.SetRules(rf.Rules); err != nil {
		return err
	}
	c.logger.Info("classification rules loaded", "path", path, "rules", len(rf.Rules))
	return nil
}

// SetRules compiles and installs a rule set, replacing the current one.
// Any rule that fails to compile rejects the whole set so a bad deploy is
// caught at load time, not per message.
func (c *Classifier) SetRules(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Flag == "" || r.Expr == "" {
			return fmt.Errorf("classify: rule %q needs both flag and expr", r.Name)
		}
		ast, issues := c.env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return fmt.Errorf("classify: rule %q: compile: %w", r.Name, issues.Err())
		}
		prg, err := c.env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return fmt.Errorf("classify: rule %q: program: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{name: r.Name, flag: r.Flag, prg: prg})
	}

	c.mu.Lock()
	c.rules = compiled
	c.mu.Unlock()
	return nil
}

// RuleCount returns the number of installed rules.
func (c *Classifier) RuleCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.rules)
}

// Classify evaluates every rule against the message map and returns the
// flags that came out true. Flags set by multiple rules OR together.
func (c *Classifier) Classify(message map[string]any) map[string]bool {
	c.mu.RLock()
	rules := c.rules
	c.mu.RUnlock()

	if len(rules) == 0 {
		return nil
	}

	input := map[string]any{
		"message":   message,
		"timestamp": time.Now().Unix(),
	}

	flags := map[string]bool{}
	for _, r := range rules {
		out, _, err := r.prg.Eval(input)
		if err != nil {
			c.logger.Warn("classification rule failed", "rule", r.name, "error", err)
			continue
		}
		matched, ok := out.Value().(bool)
		if !ok {
			c.logger.Warn("classification rule returned non-bool", "rule", r.name)
			continue
		}
		if matched {
			flags[r.flag] = true
		}
	}
	return flags
}
