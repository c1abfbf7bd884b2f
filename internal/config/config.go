package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel string        `json:"log_level" yaml:"log_level"`
	Bus      BusConfig     `json:"bus" yaml:"bus"`
	History  HistoryConfig `json:"history" yaml:"history"`
	Scoring  ScoringConfig `json:"scoring" yaml:"scoring"`
	Rules    RulesConfig   `json:"rules" yaml:"rules"`
	Policy   PolicyConfig  `json:"policy" yaml:"policy"`
	Arbiter  ArbiterConfig `json:"arbiter" yaml:"arbiter"`
	Storage  StorageConfig `json:"storage" yaml:"storage"`
	Alerts   AlertsConfig  `json:"alerts" yaml:"alerts"`
	Metrics  MetricsConfig `json:"metrics" yaml:"metrics"`
}

type BusConfig struct {
	Brokers        []string      `json:"brokers" yaml:"brokers"`
	GroupID        string        `json:"group_id" yaml:"group_id"`
	ConnectRetries int           `json:"connect_retries" yaml:"connect_retries"`
	ConnectDelay   time.Duration `json:"connect_delay" yaml:"connect_delay"`
	ReconnectDelay time.Duration `json:"reconnect_delay" yaml:"reconnect_delay"`
	Prefetch       int           `json:"prefetch" yaml:"prefetch"`
	Topics         TopicsConfig  `json:"topics" yaml:"topics"`
}

type TopicsConfig struct {
	Transactions    string `json:"transactions" yaml:"transactions"`
	Scores          string `json:"scores" yaml:"scores"`
	Alerts          string `json:"alerts" yaml:"alerts"`
	Recommendations string `json:"recommendations" yaml:"recommendations"`
}

func (t TopicsConfig) All() []string {
	return []string{t.Transactions, t.Scores, t.Alerts, t.Recommendations}
}

type HistoryConfig struct {
	Capacity    int    `json:"capacity" yaml:"capacity"`
	MaxEntities int    `json:"max_entities" yaml:"max_entities"`
	Epoch       string `json:"epoch" yaml:"epoch"`
}

type ScoringConfig struct {
	URL     string        `json:"url" yaml:"url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type RulesConfig struct {
	Mode    string        `json:"mode" yaml:"mode"`
	Path    string        `json:"path" yaml:"path"`
	URL     string        `json:"url" yaml:"url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

type PolicyConfig struct {
	Path    string  `json:"path" yaml:"path"`
	Tau     float64 `json:"tau" yaml:"tau"`
	TauHigh float64 `json:"tau_high" yaml:"tau_high"`
}

type ArbiterConfig struct {
	URL          string        `json:"url" yaml:"url"`
	Model        string        `json:"model" yaml:"model"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout"`
	Temperature  float64       `json:"temperature" yaml:"temperature"`
	MinScore     float64       `json:"min_score" yaml:"min_score"`
	HistoryLimit int           `json:"history_limit" yaml:"history_limit"`
}

type StorageConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
}

type AlertsConfig struct {
	StoreLimit int `json:"store_limit" yaml:"store_limit"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Bus: BusConfig{
			Brokers:        []string{"localhost:9092"},
			GroupID:        "riskpipe",
			ConnectRetries: 30,
			ConnectDelay:   2 * time.Second,
			ReconnectDelay: 2 * time.Second,
			Prefetch:       100,
			Topics: TopicsConfig{
				Transactions:    "transactions.raw",
				Scores:          "fraud.scores",
				Alerts:          "alerts.high_risk",
				Recommendations: "analyst.recommendations",
			},
		},
		History: HistoryConfig{
			Capacity:    10,
			MaxEntities: 100000,
			Epoch:       "2025-08-01",
		},
		Scoring: ScoringConfig{
			URL:     "http://localhost:8001/score",
			Timeout: 2 * time.Second,
		},
		Rules: RulesConfig{
			Mode:    "local",
			Path:    "config/rules.yaml",
			URL:     "http://localhost:8002/eval",
			Timeout: 2 * time.Second,
		},
		Policy: PolicyConfig{
			Path:    "config/decision_policy.json",
			Tau:     0.75,
			TauHigh: 0.90,
		},
		Arbiter: ArbiterConfig{
			URL:          "http://localhost:11434/api/chat",
			Model:        "llama3.1:8b",
			Timeout:      15 * time.Second,
			Temperature:  0.2,
			MinScore:     0.001,
			HistoryLimit: 5,
		},
		Storage: StorageConfig{Enabled: false, Driver: "sqlite", DSN: "file:riskpipe.db?_pragma=busy_timeout(5000)"},
		Alerts:  AlertsConfig{StoreLimit: 1000},
		Metrics: MetricsConfig{Enabled: false, Addr: ":9102"},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if len(cfg.Bus.Brokers) == 0 {
		cfg.Bus.Brokers = def.Bus.Brokers
	}
	if cfg.Bus.GroupID == "" {
		cfg.Bus.GroupID = def.Bus.GroupID
	}
	if cfg.Bus.ConnectRetries <= 0 {
		cfg.Bus.ConnectRetries = def.Bus.ConnectRetries
	}
	if cfg.Bus.ConnectDelay <= 0 {
		cfg.Bus.ConnectDelay = def.Bus.ConnectDelay
	}
	if cfg.Bus.ReconnectDelay <= 0 {
		cfg.Bus.ReconnectDelay = def.Bus.ReconnectDelay
	}
	if cfg.Bus.Prefetch <= 0 {
		cfg.Bus.Prefetch = def.Bus.Prefetch
	}
	if cfg.Bus.Topics.Transactions == "" {
		cfg.Bus.Topics.Transactions = def.Bus.Topics.Transactions
	}
	if cfg.Bus.Topics.Scores == "" {
		cfg.Bus.Topics.Scores = def.Bus.Topics.Scores
	}
	if cfg.Bus.Topics.Alerts == "" {
		cfg.Bus.Topics.Alerts = def.Bus.Topics.Alerts
	}
	if cfg.Bus.Topics.Recommendations == "" {
		cfg.Bus.Topics.Recommendations = def.Bus.Topics.Recommendations
	}
	if cfg.History.Capacity <= 0 {
		cfg.History.Capacity = def.History.Capacity
	}
	if cfg.History.MaxEntities <= 0 {
		cfg.History.MaxEntities = def.History.MaxEntities
	}
	if cfg.History.Epoch == "" {
		cfg.History.Epoch = def.History.Epoch
	}
	if cfg.Scoring.Timeout <= 0 {
		cfg.Scoring.Timeout = def.Scoring.Timeout
	}
	if cfg.Rules.Mode == "" {
		cfg.Rules.Mode = def.Rules.Mode
	}
	if cfg.Rules.Timeout <= 0 {
		cfg.Rules.Timeout = def.Rules.Timeout
	}
	if cfg.Policy.Tau <= 0 {
		cfg.Policy.Tau = def.Policy.Tau
	}
	if cfg.Policy.TauHigh <= 0 {
		cfg.Policy.TauHigh = def.Policy.TauHigh
	}
	if cfg.Arbiter.Timeout <= 0 {
		cfg.Arbiter.Timeout = def.Arbiter.Timeout
	}
	if cfg.Arbiter.Model == "" {
		cfg.Arbiter.Model = def.Arbiter.Model
	}
	if cfg.Arbiter.MinScore <= 0 {
		cfg.Arbiter.MinScore = def.Arbiter.MinScore
	}
	if cfg.Arbiter.HistoryLimit <= 0 {
		cfg.Arbiter.HistoryLimit = def.Arbiter.HistoryLimit
	}
	if cfg.Alerts.StoreLimit <= 0 {
		cfg.Alerts.StoreLimit = def.Alerts.StoreLimit
	}
}

func Validate(cfg *Config) error {
	if len(cfg.Bus.Brokers) == 0 {
		return errors.New("bus.brokers required")
	}
	if cfg.Bus.GroupID == "" {
		return errors.New("bus.group_id required")
	}
	for _, topic := range cfg.Bus.Topics.All() {
		if topic == "" {
			return errors.New("bus.topics requires transactions, scores, alerts, recommendations")
		}
	}
	switch strings.ToLower(cfg.Rules.Mode) {
	case "local":
		if cfg.Rules.Path == "" {
			return errors.New("rules.path required when rules.mode is local")
		}
	case "remote":
		if cfg.Rules.URL == "" {
			return errors.New("rules.url required when rules.mode is remote")
		}
	default:
		return fmt.Errorf("rules.mode must be local or remote, got %q", cfg.Rules.Mode)
	}
	if cfg.Scoring.URL == "" {
		return errors.New("scoring.url required")
	}
	if cfg.Policy.TauHigh < cfg.Policy.Tau {
		return fmt.Errorf("policy.tau_high (%v) must be >= policy.tau (%v)", cfg.Policy.TauHigh, cfg.Policy.Tau)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return errors.New("metrics.addr required when metrics.enabled is true")
	}
	if cfg.Storage.Enabled && cfg.Storage.Driver == "" {
		return errors.New("storage.driver required when storage.enabled is true")
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
