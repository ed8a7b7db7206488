package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"usenet-gateway/pkg/types"
)

var providers []types.ProviderInfo

type providersFile struct {
	Providers []struct {
		Name           string `yaml:"name"`
		Host           string `yaml:"host"`
		MaxConnections int    `yaml:"maxConnections"`
		BackupOnly     bool   `yaml:"backupOnly"`
	} `yaml:"providers"`
}

func loadProviders() error {
	path := func() string { mu.RLock(); defer mu.RUnlock(); return providersPath }()
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	var f providersFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	out := make([]types.ProviderInfo, 0, len(f.Providers))
	for _, p := range f.Providers {
		if p.Name == "" {
			return fmt.Errorf("%s: provider with empty name", path)
		}
		max := p.MaxConnections
		if max <= 0 {
			max = 10
		}
		out = append(out, types.ProviderInfo{
			Name:           p.Name,
			Host:           p.Host,
			MaxConnections: max,
			BackupOnly:     p.BackupOnly,
		})
	}
	mu.Lock()
	providers = out
	mu.Unlock()
	return nil
}

// Providers returns a copy of the current provider list.
func Providers() []types.ProviderInfo {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]types.ProviderInfo, len(providers))
	copy(out, providers)
	return out
}

// EligibleProviders is the load-balancing subset (backup-only excluded).
func EligibleProviders() []types.ProviderInfo {
	all := Providers()
	out := all[:0]
	for _, p := range all {
		if !p.BackupOnly {
			out = append(out, p)
		}
	}
	return out
}

// SetProviders overrides the provider list directly; tests and embedders use
// this instead of a YAML file.
func SetProviders(list []types.ProviderInfo) {
	mu.Lock()
	providers = append([]types.ProviderInfo(nil), list...)
	mu.Unlock()
}
