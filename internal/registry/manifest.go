package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/aetherpro/fabric/internal/fabric"
)

// manifestDoc is the declarative manifest file shape. The loader is
// permissive: unknown fields are preserved on the manifest, missing
// optional fields take defaults.
type manifestDoc struct {
	Agents []agentDoc `yaml:"agents"`
}

type agentDoc struct {
	AgentID      string         `yaml:"agent_id"`
	DisplayName  string         `yaml:"display_name"`
	Version      string         `yaml:"version"`
	Description  string         `yaml:"description"`
	RuntimeKind  string         `yaml:"runtime_kind"`
	Endpoint     endpointDoc    `yaml:"endpoint"`
	Capabilities []capDoc       `yaml:"capabilities"`
	Tags         []string       `yaml:"tags"`
	TrustTier    string         `yaml:"trust_tier"`
	Extra        map[string]any `yaml:",inline"`
}

type endpointDoc struct {
	Transport string `yaml:"transport"`
	URI       string `yaml:"uri"`
}

type capDoc struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	Streaming    bool           `yaml:"streaming"`
	Modalities   []string       `yaml:"modalities"`
	InputSchema  map[string]any `yaml:"input_schema"`
	OutputSchema map[string]any `yaml:"output_schema"`
	MaxTimeoutMS int            `yaml:"max_timeout_ms"`
}

// LoadManifestFile parses a declarative agent manifest file.
func LoadManifestFile(path string) ([]*fabric.AgentManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(raw)
}

// ParseManifest parses manifest YAML into agent manifests.
func ParseManifest(raw []byte) ([]*fabric.AgentManifest, error) {
	var doc manifestDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}

	out := make([]*fabric.AgentManifest, 0, len(doc.Agents))
	for _, a := range doc.Agents {
		if a.AgentID == "" {
			return nil, fmt.Errorf("parse manifest: agent entry missing agent_id")
		}
		m := &fabric.AgentManifest{
			AgentID:     a.AgentID,
			DisplayName: a.DisplayName,
			Version:     a.Version,
			Description: a.Description,
			RuntimeKind: fabric.RuntimeKind(a.RuntimeKind),
			Endpoint:    fabric.Endpoint{Transport: a.Endpoint.Transport, URI: a.Endpoint.URI},
			Tags:        a.Tags,
			TrustTier:   fabric.TrustTier(a.TrustTier),
			Status:      fabric.StatusUnknown,
			Extra:       a.Extra,
		}
		if m.DisplayName == "" {
			m.DisplayName = m.AgentID
		}
		if m.RuntimeKind == "" {
			m.RuntimeKind = fabric.RuntimeNative
		}
		for _, c := range a.Capabilities {
			cd := fabric.CapabilityDescriptor{
				Name:         c.Name,
				Description:  c.Description,
				Streaming:    c.Streaming,
				Modalities:   c.Modalities,
				MaxTimeoutMS: c.MaxTimeoutMS,
			}
			if c.InputSchema != nil {
				cd.InputSchema, _ = json.Marshal(c.InputSchema)
			}
			if c.OutputSchema != nil {
				cd.OutputSchema, _ = json.Marshal(c.OutputSchema)
			}
			m.Capabilities = append(m.Capabilities, cd)
		}
		out = append(out, m)
	}
	return out, nil
}

// Seed registers every manifest from the file into the registry.
// Individual failures are logged and skipped so one bad entry does not
// prevent startup.
func Seed(ctx context.Context, reg Registry, path string) error {
	manifests, err := LoadManifestFile(path)
	if err != nil {
		return err
	}
	for _, m := range manifests {
		if err := reg.Register(ctx, m); err != nil {
			log.Warn().Err(err).Str("agent", m.AgentID).Msg("manifest seed: register failed")
			continue
		}
		log.Info().Str("agent", m.AgentID).Int("capabilities", len(m.Capabilities)).Msg("agent registered from manifest")
	}
	return nil
}
