package configstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/riskengine/internal/risk"
)

//go:embed defaults.yaml
var defaultSeed []byte

type seedFile struct {
	Categories map[string]ActivateRequest `yaml:"categories"`
}

// LoadSeed reads seed configuration from path, or the embedded defaults
// when path is empty. Requests are returned sorted by category.
func LoadSeed(path string) ([]ActivateRequest, error) {
	data := defaultSeed
	if path != "" {
		b, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("read seed %s: %w", path, err)
		}
		data = b
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML.
func ParseSeed(data []byte) ([]ActivateRequest, error) {
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	out := make([]ActivateRequest, 0, len(f.Categories))
	for name, req := range f.Categories {
		c, err := risk.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
		req.Category = c
		req.CreatedBy = "seed"
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

// Seed activates each request whose category has no active version yet,
// so restarts never shadow operator edits. It returns the number activated.
func (s *Service) Seed(ctx context.Context, reqs []ActivateRequest) (int, error) {
	activated := 0
	for _, req := range reqs {
		_, err := s.store.Active(ctx, req.Category)
		if err == nil {
			continue
		}
		if !errors.Is(err, risk.ErrConfigNotFound) {
			return activated, err
		}
		if _, err := s.Activate(ctx, req); err != nil {
			return activated, fmt.Errorf("seed %s: %w", req.Category, err)
		}
		activated++
	}
	return activated, nil
}
