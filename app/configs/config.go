package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Config struct {
	Agent  AgentConfig  `json:"agent"`
	API    APIConfig    `json:"api"`
	Ingest IngestConfig `json:"ingest"`
}

type AgentConfig struct {
	Name string `json:"name"`
}

type APIConfig struct {
	Key               string `json:"key"`
	BaseURL           string `json:"base_url"`
	Model             string `json:"model"`
	Language          string `json:"language"`
	PromptOverride    string `json:"prompt_override"`
	SilenceTimeoutSec int    `json:"silence_timeout_sec"`
}

type IngestConfig struct {
	ContextTaskLimit int `json:"context_task_limit"`
	HTTPPort         int `json:"http_port"`
	DedupWindowSec   int `json:"dedup_window_sec"`
	SweepIntervalSec int `json:"sweep_interval_sec"`
	SweepMaxAgeSec   int `json:"sweep_max_age_sec"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	return Config{
		Agent: AgentConfig{
			Name: "SmartTodo",
		},
		API: APIConfig{
			BaseURL:           "https://api.deepseek.com",
			Model:             "deepseek-chat",
			Language:          "English",
			SilenceTimeoutSec: 15,
		},
		Ingest: IngestConfig{
			ContextTaskLimit: 10,
			HTTPPort:         8080,
			DedupWindowSec:   2,
			SweepIntervalSec: 300,
			SweepMaxAgeSec:   600,
		},
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Agent.Name) == "" {
		cfg.Agent.Name = "SmartTodo"
	}
	if strings.TrimSpace(cfg.API.BaseURL) == "" {
		cfg.API.BaseURL = "https://api.deepseek.com"
	}
	if strings.TrimSpace(cfg.API.Model) == "" {
		cfg.API.Model = "deepseek-chat"
	}
	if strings.TrimSpace(cfg.API.Language) == "" {
		cfg.API.Language = "English"
	}
	if cfg.API.SilenceTimeoutSec <= 0 {
		cfg.API.SilenceTimeoutSec = 15
	}
	if cfg.API.SilenceTimeoutSec > 120 {
		cfg.API.SilenceTimeoutSec = 120
	}
	if cfg.Ingest.ContextTaskLimit <= 0 {
		cfg.Ingest.ContextTaskLimit = 10
	}
	if cfg.Ingest.HTTPPort <= 0 {
		cfg.Ingest.HTTPPort = 8080
	}
	if cfg.Ingest.DedupWindowSec < 0 {
		cfg.Ingest.DedupWindowSec = 2
	}
	if cfg.Ingest.SweepIntervalSec <= 0 {
		cfg.Ingest.SweepIntervalSec = 300
	}
	if cfg.Ingest.SweepMaxAgeSec <= 0 {
		cfg.Ingest.SweepMaxAgeSec = 600
	}
}
