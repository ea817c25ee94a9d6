package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// AgentOverride is the part of the configuration an individual agent may
// change. Nil sections are inherited.
type AgentOverride struct {
	SystemPrompt string             `yaml:"system_prompt"`
	Enforcement  *EnforcementConfig `yaml:"enforcement"`
	Loop         *LoopConfig        `yaml:"loop"`
}

// AgentsConfig holds map of agent overrides as written in the agents file.
// Sections are merged field by field over the global config.
type AgentsConfig struct {
	Agents map[string]agentDoc `yaml:"agents"`
}

type agentDoc struct {
	SystemPrompt string      `yaml:"system_prompt"`
	Enforcement  interface{} `yaml:"enforcement"`
	Loop         interface{} `yaml:"loop"`
}

// mergeSection decodes the raw section over dst.
func mergeSection(raw interface{}, dst interface{}) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, dst)
}

// Manager resolves the effective configuration per agent
type Manager struct {
	global    *Config
	overrides map[string]AgentOverride
	mu        sync.RWMutex
}

// NewManager builds a manager over global with overrides read from
// agentsPath. A missing agents file means no overrides.
func NewManager(global *Config, agentsPath string) (*Manager, error) {
	m := &Manager{global: global, overrides: make(map[string]AgentOverride)}
	if agentsPath == "" {
		return m, nil
	}

	f, err := os.Open(agentsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var ac AgentsConfig
	if err := yaml.NewDecoder(f).Decode(&ac); err != nil {
		return nil, fmt.Errorf("parse %s: %w", agentsPath, err)
	}
	for id, doc := range ac.Agents {
		o := AgentOverride{SystemPrompt: doc.SystemPrompt}
		if doc.Enforcement != nil {
			enf := global.Enforcement
			if err := mergeSection(doc.Enforcement, &enf); err != nil {
				return nil, fmt.Errorf("agent %s: enforcement: %w", id, err)
			}
			o.Enforcement = &enf
		}
		if doc.Loop != nil {
			lc := global.Loop
			if err := mergeSection(doc.Loop, &lc); err != nil {
				return nil, fmt.Errorf("agent %s: loop: %w", id, err)
			}
			o.Loop = &lc
		}
		m.overrides[id] = o
		if _, err := m.Get(id); err != nil {
			return nil, fmt.Errorf("agent %s: %w", id, err)
		}
	}
	return m, nil
}

// Set replaces the override for agentID.
func (m *Manager) Set(agentID string, o AgentOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[agentID] = o
}

// Get returns the validated effective config for agentID.
// Overrides replace whole sections on top of the global config.
func (m *Manager) Get(agentID string) (*Config, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Start with a copy of the global config
	effective := *m.global
	effective.Agent.ID = agentID

	if o, ok := m.overrides[agentID]; ok {
		if o.SystemPrompt != "" {
			effective.Agent.SystemPrompt = o.SystemPrompt
		}
		if o.Enforcement != nil {
			effective.Enforcement = *o.Enforcement
		}
		if o.Loop != nil {
			effective.Loop = *o.Loop
		}
	}

	if err := effective.Validate(); err != nil {
		return nil, err
	}
	return &effective, nil
}
