package policy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Document file names inside the policy directory.
const (
	RiskMatrixFile   = "risk_matrix.yaml"
	QualityGatesFile = "quality_gates.yaml"
)

// Load reads the policy documents from dir and returns an immutable bundle.
// It never fails: any missing or invalid document is replaced by the built-in
// default and a warning is recorded on the bundle.
func Load(dir string) *Bundle {
	return LoadFrom(os.ReadFile, dir)
}

// LoadFrom is Load with an injected file reader, for tests.
func LoadFrom(readFile func(string) ([]byte, error), dir string) *Bundle {
	b := &Bundle{}

	risk, warn := loadRiskMatrix(readFile, filepath.Join(dir, RiskMatrixFile))
	if warn != "" {
		b.Warnings = append(b.Warnings, warn)
	}
	b.Risk = risk

	gates, warns := loadQualityGates(readFile, filepath.Join(dir, QualityGatesFile))
	b.Warnings = append(b.Warnings, warns...)
	b.Gates = gates

	return b
}

func loadRiskMatrix(readFile func(string) ([]byte, error), path string) (RiskMatrix, string) {
	data, err := readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultRiskMatrix(), fmt.Sprintf("risk matrix %s not found, using defaults", path)
		}
		return DefaultRiskMatrix(), fmt.Sprintf("risk matrix %s unreadable (%v), using defaults", path, err)
	}

	var m RiskMatrix
	if err := yaml.Unmarshal(data, &m); err != nil {
		return DefaultRiskMatrix(), fmt.Sprintf("risk matrix %s invalid (%v), using defaults", path, err)
	}
	if err := validateRiskMatrix(m); err != nil {
		return DefaultRiskMatrix(), fmt.Sprintf("risk matrix %s rejected (%v), using defaults", path, err)
	}
	if m.Default == "" {
		m.Default = RiskR1
	}
	return m, ""
}

func validateRiskMatrix(m RiskMatrix) error {
	if m.Default != "" && !ValidRiskClass(string(m.Default)) {
		return fmt.Errorf("invalid default risk class %q", m.Default)
	}
	for tool, c := range m.Tools {
		if !ValidRiskClass(string(c)) {
			return fmt.Errorf("invalid risk class %q for tool %q", c, tool)
		}
	}
	for sub, c := range m.SubTools {
		if !ValidRiskClass(string(c)) {
			return fmt.Errorf("invalid risk class %q for sub-tool %q", c, sub)
		}
	}
	return nil
}

func loadQualityGates(readFile func(string) ([]byte, error), path string) (QualityGates, []string) {
	defaults := DefaultQualityGates()

	data, err := readFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return defaults, []string{fmt.Sprintf("quality gates %s not found, using defaults", path)}
		}
		return defaults, []string{fmt.Sprintf("quality gates %s unreadable (%v), using defaults", path, err)}
	}

	g := defaults
	if err := yaml.Unmarshal(data, &g); err != nil {
		return defaults, []string{fmt.Sprintf("quality gates %s invalid (%v), using defaults", path, err)}
	}
	if err := validateQualityGates(g); err != nil {
		return defaults, []string{fmt.Sprintf("quality gates %s rejected (%v), using defaults", path, err)}
	}
	return g, nil
}

func validateQualityGates(g QualityGates) error {
	if g.Adaptive.Window <= 0 {
		return fmt.Errorf("adaptive window must be positive, got %d", g.Adaptive.Window)
	}
	if g.Adaptive.ReplanInterval <= 0 {
		return fmt.Errorf("replan interval must be positive, got %d", g.Adaptive.ReplanInterval)
	}
	if err := ratioOrder("adaptive failure rate", g.Adaptive.ThrottleFailureRate, g.Adaptive.FallbackFailureRate); err != nil {
		return err
	}
	if err := ratioOrder("cost ratio", g.Cost.ThrottleRatio, g.Cost.FallbackRatio); err != nil {
		return err
	}
	if g.Cost.WarnRatio <= 0 || g.Cost.WarnRatio > 1 {
		return fmt.Errorf("cost warn ratio out of range: %v", g.Cost.WarnRatio)
	}
	if g.Canary.SampleSize <= 0 {
		return fmt.Errorf("canary sample size must be positive, got %d", g.Canary.SampleSize)
	}
	if g.Canary.MaxFailureRate < 0 || g.Canary.MaxFailureRate > 1 {
		return fmt.Errorf("canary max failure rate out of range: %v", g.Canary.MaxFailureRate)
	}
	if g.CodeReview.MinScore < 1 || g.CodeReview.MinScore > 10 {
		return fmt.Errorf("code review min score out of range: %d", g.CodeReview.MinScore)
	}
	if g.Memory.MaxEntries <= 0 {
		return fmt.Errorf("memory max entries must be positive, got %d", g.Memory.MaxEntries)
	}
	for rule, s := range g.Verification {
		switch s {
		case StrictnessLenient, StrictnessStandard, StrictnessStrict:
		default:
			return fmt.Errorf("invalid strictness %q for rule %q", s, rule)
		}
	}
	return nil
}

func ratioOrder(name string, lower, upper float64) error {
	if lower <= 0 || upper <= 0 || lower > 1 || upper > 1 {
		return fmt.Errorf("%s thresholds out of range: %v, %v", name, lower, upper)
	}
	if lower >= upper {
		return fmt.Errorf("%s throttle threshold %v must be below fallback threshold %v", name, lower, upper)
	}
	return nil
}
