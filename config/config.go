// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package config loads the YAML configuration document.
//
// The document has three optional top-level sections: Settings (timing
// values), Outputs and Birds. Outputs and Birds are ordered lists whose
// items are mappings carrying their own name as a null-valued first
// key:
//
//	Outputs:
//	  - Motor A:
//	    Type: GPIO
//	    Pin: 42
//
// Parsing is strict. Unknown sections, unknown keys and unknown output
// types fail the whole document; a failed parse yields no
// configuration.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/woodpeckers/woodpeckers/errors"
)

// OutputType discriminates the kinds of outputs a document can declare.
type OutputType int

// Output types, in the order the document may name them.
const (
	OutputTypeUnknown OutputType = iota
	OutputTypeMemory
	OutputTypeFile
	OutputTypeGPIO
)

func (t OutputType) String() string {
	switch t {
	case OutputTypeMemory:
		return "Memory"
	case OutputTypeFile:
		return "File"
	case OutputTypeGPIO:
		return "GPIO"
	}
	return "Unknown"
}

// Settings holds the timing values, in milliseconds for the waits and
// counts for the pecks.
type Settings struct {
	MinWait  uint32
	MaxWait  uint32
	MinPecks uint32
	MaxPecks uint32
	PeckWait uint32
}

// Output is one declared output. Path is set for File outputs, Pin for
// GPIO outputs.
type Output struct {
	Name string
	Type OutputType
	Path string
	Pin  int
}

// Bird is one declared bird and the output names it drives. Name
// references are resolved by the consumer, not the loader.
type Bird struct {
	Name     string
	Statics  []string
	Backs    []string
	Forwards []string
}

// Config is a fully parsed document.
type Config struct {
	Settings Settings
	Outputs  []Output
	Birds    []Bird
}

// Default returns a configuration carrying only the default settings.
func Default() *Config {
	return &Config{
		Settings: Settings{
			MinWait:  1000,
			MaxWait:  4000,
			MinPecks: 1,
			MaxPecks: 3,
			PeckWait: 500,
		},
	}
}

// Load reads and parses the document at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse parses a document. Absent settings keep their defaults; an
// empty document yields Default(). A leading %YAML 1.2 directive is
// accepted.
func Parse(data []byte) (*Config, error) {
	// yaml.v3 only accepts the 1.1 version directive.
	if directive := []byte("%YAML 1.2"); bytes.HasPrefix(data, directive) {
		data = append([]byte("%YAML 1.1"), data[len(directive):]...)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	cfg := Default()
	if root.Kind == 0 || len(root.Content) == 0 {
		return cfg, nil
	}
	doc := root.Content[0]
	if doc.Kind == yaml.ScalarNode && doc.Tag == "!!null" {
		return cfg, nil
	}
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: top level is not a mapping", errors.ErrMalformedConfig)
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		key, value := doc.Content[i], doc.Content[i+1]
		switch key.Value {
		case "Settings":
			if err := parseSettings(&cfg.Settings, value); err != nil {
				return nil, err
			}
		case "Outputs":
			if err := parseOutputs(cfg, value); err != nil {
				return nil, err
			}
		case "Birds":
			if err := parseBirds(cfg, value); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: section %q", errors.ErrUnknownConfigKey, key.Value)
		}
	}
	return cfg, nil
}

func parseSettings(settings *Settings, node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: Settings is not a mapping", errors.ErrMalformedConfig)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		var target *uint32
		switch key.Value {
		case "MinWait":
			target = &settings.MinWait
		case "MaxWait":
			target = &settings.MaxWait
		case "MinPecks":
			target = &settings.MinPecks
		case "MaxPecks":
			target = &settings.MaxPecks
		case "PeckWait":
			target = &settings.PeckWait
		default:
			return fmt.Errorf("%w: Settings key %q", errors.ErrUnknownConfigKey, key.Value)
		}
		if err := value.Decode(target); err != nil {
			return err
		}
	}
	return nil
}

// itemName peels the null-valued first key naming a list item and
// returns the remaining key/value pairs.
func itemName(node *yaml.Node) (string, []*yaml.Node, error) {
	if node.Kind != yaml.MappingNode || len(node.Content) < 2 {
		return "", nil, fmt.Errorf("%w: list item is not a mapping", errors.ErrMalformedConfig)
	}
	key, value := node.Content[0], node.Content[1]
	if value.Tag != "!!null" {
		return "", nil, fmt.Errorf("%w: item starts with %q", errors.ErrMissingItemName, key.Value)
	}
	return key.Value, node.Content[2:], nil
}

func parseOutputs(cfg *Config, node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("%w: Outputs is not a list", errors.ErrMalformedConfig)
	}
	for _, item := range node.Content {
		name, rest, err := itemName(item)
		if err != nil {
			return err
		}
		output := Output{Name: name, Pin: -1}
		hasPath := false
		hasPin := false
		for i := 0; i+1 < len(rest); i += 2 {
			key, value := rest[i], rest[i+1]
			switch key.Value {
			case "Type":
				switch value.Value {
				case "Memory":
					output.Type = OutputTypeMemory
				case "File":
					output.Type = OutputTypeFile
				case "GPIO":
					output.Type = OutputTypeGPIO
				default:
					return fmt.Errorf("%w: %q in output %q", errors.ErrUnknownOutputType, value.Value, name)
				}
			case "Path":
				if err := value.Decode(&output.Path); err != nil {
					return err
				}
				hasPath = true
			case "Pin":
				if err := value.Decode(&output.Pin); err != nil {
					return err
				}
				hasPin = true
			default:
				return fmt.Errorf("%w: output key %q", errors.ErrUnknownConfigKey, key.Value)
			}
		}
		switch output.Type {
		case OutputTypeUnknown:
			return fmt.Errorf("%w: output %q", errors.ErrMissingOutputType, name)
		case OutputTypeFile:
			if !hasPath {
				return fmt.Errorf("%w: output %q", errors.ErrMissingOutputPath, name)
			}
		case OutputTypeGPIO:
			if !hasPin {
				return fmt.Errorf("%w: output %q", errors.ErrMissingOutputPin, name)
			}
		}
		cfg.Outputs = append(cfg.Outputs, output)
	}
	return nil
}

func parseBirds(cfg *Config, node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("%w: Birds is not a list", errors.ErrMalformedConfig)
	}
	for _, item := range node.Content {
		name, rest, err := itemName(item)
		if err != nil {
			return err
		}
		bird := Bird{Name: name}
		for i := 0; i+1 < len(rest); i += 2 {
			key, value := rest[i], rest[i+1]
			var target *[]string
			switch key.Value {
			case "Static":
				target = &bird.Statics
			case "Back":
				target = &bird.Backs
			case "Forward":
				target = &bird.Forwards
			default:
				return fmt.Errorf("%w: bird key %q", errors.ErrUnknownConfigKey, key.Value)
			}
			if err := value.Decode(target); err != nil {
				return err
			}
		}
		cfg.Birds = append(cfg.Birds, bird)
	}
	return nil
}
