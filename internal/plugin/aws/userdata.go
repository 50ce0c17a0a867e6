package aws

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// UserData is the subset of instance user data the agent reads.
// Taupage-style user data is YAML; plain JSON parses as YAML too.
type UserData struct {
	ApplicationID      string `yaml:"application_id"`
	ApplicationVersion string `yaml:"application_version"`
	Source             string `yaml:"source"`
	Runtime            string `yaml:"runtime"`
	Ports              Ports  `yaml:"ports"`
}

// ParseUserData decodes base64 user data. Undecodable input is an error;
// callers treat it as absent user data.
func ParseUserData(encoded string) (*UserData, error) {
	// The decoder skips embedded newlines.
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("decode user data: %w", err)
	}
	if strings.HasPrefix(string(raw), "#!") {
		return nil, errors.New("user data is a script")
	}

	var ud UserData
	if err := yaml.Unmarshal(raw, &ud); err != nil {
		return nil, fmt.Errorf("parse user data: %w", err)
	}
	return &ud, nil
}

// SourceBase strips the tag from the source image reference.
func (u *UserData) SourceBase() string {
	i := strings.LastIndex(u.Source, ":")
	if i < 0 || strings.Contains(u.Source[i+1:], "/") {
		return u.Source
	}
	return u.Source[:i]
}

// Ports accepts either a list of ports or a host-to-container port mapping.
type Ports []int

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *Ports) UnmarshalYAML(node *yaml.Node) error {
	var out []int

	switch node.Kind {
	case yaml.SequenceNode:
		for _, n := range node.Content {
			port, err := strconv.Atoi(n.Value)
			if err != nil {
				return fmt.Errorf("port %q: %w", n.Value, err)
			}
			out = append(out, port)
		}
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			port, err := strconv.Atoi(node.Content[i].Value)
			if err != nil {
				return fmt.Errorf("port %q: %w", node.Content[i].Value, err)
			}
			out = append(out, port)
		}
	case yaml.ScalarNode:
		if node.Value == "" || node.Tag == "!!null" {
			break
		}
		port, err := strconv.Atoi(node.Value)
		if err != nil {
			return fmt.Errorf("port %q: %w", node.Value, err)
		}
		out = append(out, port)
	default:
		return fmt.Errorf("unsupported ports value at line %d", node.Line)
	}

	*p = out
	return nil
}

// Values returns the ports sorted, or nil when empty.
func (p Ports) Values() []int {
	if len(p) == 0 {
		return nil
	}
	out := append([]int(nil), p...)
	sort.Ints(out)
	return out
}
