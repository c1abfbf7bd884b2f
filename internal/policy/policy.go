package policy

import (
	"errors"
	"log/slog"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"riskpipe/internal/model"
)

// Thresholds is the dual-threshold policy configuration, tau_high >= tau
// by convention.
type Thresholds struct {
	Tau     float64 `json:"tau" yaml:"tau"`
	TauHigh float64 `json:"tau_high" yaml:"tau_high"`
}

func Defaults() Thresholds {
	return Thresholds{Tau: 0.75, TauHigh: 0.90}
}

// Decide is the single escalation authority: every fallback path in the
// system reproduces exactly this mapping.
//
//	block   if score >= tau_high or fired >= 2
//	step_up if score >= tau      or fired >= 1
//	allow   otherwise
func Decide(score float64, fired int, t Thresholds) model.Decision {
	switch {
	case score >= t.TauHigh || fired >= 2:
		return model.DecisionBlock
	case score >= t.Tau || fired >= 1:
		return model.DecisionStepUp
	default:
		return model.DecisionAllow
	}
}

type document struct {
	Thresholds Thresholds `json:"thresholds" yaml:"thresholds"`
}

// Manager serves the current thresholds from the policy document,
// holding the last-known-good value. A missing or corrupt document is
// never fatal: the previous value (or the configured defaults) stays in
// effect.
type Manager struct {
	path     string
	defaults Thresholds
	current  atomic.Value
	logger   *slog.Logger
}

func NewManager(path string, defaults Thresholds, logger *slog.Logger) *Manager {
	if defaults.Tau <= 0 {
		defaults = Defaults()
	}
	m := &Manager{path: path, defaults: defaults, logger: logger}
	m.current.Store(defaults)
	m.Reload()
	return m
}

func (m *Manager) Current() Thresholds {
	if v := m.current.Load(); v != nil {
		return v.(Thresholds)
	}
	return m.defaults
}

// Reload re-reads the policy document. On any failure the last-known-good
// thresholds remain in effect.
func (m *Manager) Reload() {
	t, err := load(m.path)
	if err != nil {
		if m.logger != nil {
			m.logger.Warn("policy document unavailable, keeping thresholds",
				"path", m.path, "tau", m.Current().Tau, "tau_high", m.Current().TauHigh, "err", err)
		}
		return
	}
	m.current.Store(t)
	if m.logger != nil {
		m.logger.Info("policy thresholds loaded", "tau", t.Tau, "tau_high", t.TauHigh)
	}
}

func load(path string) (Thresholds, error) {
	if path == "" {
		return Thresholds{}, errors.New("no policy path configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, err
	}
	var doc document
	// JSON is a YAML subset, so one decoder covers both document forms.
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Thresholds{}, err
	}
	t := doc.Thresholds
	if t.Tau <= 0 || t.TauHigh <= 0 {
		return Thresholds{}, errors.New("policy document missing thresholds")
	}
	if t.TauHigh < t.Tau {
		return Thresholds{}, errors.New("tau_high below tau")
	}
	return t, nil
}
