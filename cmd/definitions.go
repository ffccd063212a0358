package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/variant-optimizer/internal/experiment"
	"github.com/sells-group/variant-optimizer/internal/funnel"
	"github.com/sells-group/variant-optimizer/internal/model"
)

// variantDef is a variant as written in a definition file. Content is any
// YAML mapping and is stored as JSON.
type variantDef struct {
	Name    string         `yaml:"name"`
	Content map[string]any `yaml:"content"`
}

type experimentDef struct {
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Status   string         `yaml:"status"`
	Strategy string         `yaml:"strategy"`
	Config   map[string]any `yaml:"config"`
	Variants []variantDef   `yaml:"variants"`
}

type funnelDef struct {
	Name   string         `yaml:"name"`
	Config map[string]any `yaml:"config"`
	Steps  []struct {
		Name     string       `yaml:"name"`
		Variants []variantDef `yaml:"variants"`
	} `yaml:"steps"`
}

func readDef(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "read %s", path)
	}
	if err := yaml.Unmarshal(raw, v); err != nil {
		return eris.Wrapf(err, "parse %s", path)
	}
	return nil
}

func toVariants(defs []variantDef) ([]model.NewVariant, error) {
	out := make([]model.NewVariant, len(defs))
	for i, d := range defs {
		out[i] = model.NewVariant{Name: d.Name}
		if d.Content == nil {
			continue
		}
		content, err := json.Marshal(d.Content)
		if err != nil {
			return nil, eris.Wrapf(err, "encode content of variant %q", d.Name)
		}
		out[i].Content = content
	}
	return out, nil
}

// loadExperimentDef reads an experiment definition file into a create
// request for ownerID.
func loadExperimentDef(path, ownerID string) (experiment.CreateRequest, error) {
	var def experimentDef
	if err := readDef(path, &def); err != nil {
		return experiment.CreateRequest{}, err
	}
	variants, err := toVariants(def.Variants)
	if err != nil {
		return experiment.CreateRequest{}, err
	}
	return experiment.CreateRequest{
		OwnerID:  ownerID,
		Name:     def.Name,
		Type:     model.ExperimentType(def.Type),
		Status:   model.ExperimentStatus(def.Status),
		Strategy: def.Strategy,
		Variants: variants,
		Config:   def.Config,
	}, nil
}

// loadFunnelDef reads a funnel definition file into a create request for
// ownerID.
func loadFunnelDef(path, ownerID string) (funnel.CreateRequest, error) {
	var def funnelDef
	if err := readDef(path, &def); err != nil {
		return funnel.CreateRequest{}, err
	}
	req := funnel.CreateRequest{OwnerID: ownerID, Name: def.Name, Config: def.Config}
	for _, s := range def.Steps {
		variants, err := toVariants(s.Variants)
		if err != nil {
			return funnel.CreateRequest{}, err
		}
		req.Steps = append(req.Steps, funnel.StepRequest{Name: s.Name, Variants: variants})
	}
	return req, nil
}
