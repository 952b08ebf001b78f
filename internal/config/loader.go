package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"conduit/pkg/logging"
)

// ParseChannel decodes and validates one channel YAML document. Unknown
// keys are rejected so typos fail deploy instead of silently vanishing.
func ParseChannel(data []byte) (*Channel, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var channel Channel
	if err := decoder.Decode(&channel); err != nil {
		return nil, fmt.Errorf("parsing channel definition: %w", err)
	}
	if err := channel.Validate(); err != nil {
		return nil, err
	}
	return &channel, nil
}

// LoadChannelFile reads and parses one channel definition file.
func LoadChannelFile(path string) (*Channel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	channel, err := ParseChannel(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return channel, nil
}

// LoadChannelDir loads every *.yaml / *.yml channel definition in dir.
// Files that fail to parse are logged and skipped; one bad file never
// prevents the rest from deploying.
func LoadChannelDir(dir string) ([]*Channel, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			logging.Info("Config", "channels directory %s does not exist, nothing to deploy", dir)
			return nil, nil
		}
		return nil, fmt.Errorf("reading channels directory %s: %w", dir, err)
	}

	var channels []*Channel
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		channel, err := LoadChannelFile(filepath.Join(dir, name))
		if err != nil {
			logging.Error("Config", err, "skipping channel file %s", name)
			continue
		}
		channels = append(channels, channel)
	}
	return channels, nil
}
