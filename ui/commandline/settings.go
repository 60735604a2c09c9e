// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"flag"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/imgtrain/pkg/ml/train"
	"github.com/gomlx/imgtrain/pkg/support/errkind"
	"github.com/gomlx/imgtrain/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "epochs=90;lr=0.1;milestones=0.3,0.6".
//
// The keys are the YAML names of the train.Config fields, and each value is parsed as YAML into
// the field type. For list fields, a comma separated list is accepted without brackets.
//
// An entry like "file:settings.txt" reads the settings from a file, with new-lines working as ";" and
// lines starting with "#" considered comments.
//
// It returns the keys set, in order, and an error (of kind errkind.Configuration) if a key is unknown
// or a value can't be parsed.
//
// Example usage:
//
//	func main() {
//		cfg := train.DefaultConfig()
//		settings := commandline.CreateSettingsFlag(cfg, "")
//		flag.Parse()
//		_, err := commandline.ParseSettings(&cfg, *settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		...
//	}
func ParseSettings(cfg *train.Config, settings string) (keysSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		keysSet, err = parseSetting(cfg, setting, keysSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(cfg *train.Config, setting string, keysSet []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return keysSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath, err := fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return keysSet, errkind.Wrapf(errkind.Configuration, err, "settings file")
		}
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return keysSet, errkind.Wrapf(errkind.Configuration, errors.WithStack(err),
				"failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				keysSet, err = parseSetting(cfg, lineSetting, keysSet)
				if err != nil {
					return keysSet, err
				}
			}
		}
		return keysSet, nil
	}

	key, valueStr, found := strings.Cut(setting, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" {
		return keysSet, errkind.Newf(errkind.Configuration,
			"can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
	}
	field, found := configFields()[key]
	if !found {
		return keysSet, errkind.Newf(errkind.Configuration,
			"unknown setting %q, known settings are: %s", key, strings.Join(ConfigKeys(), ", "))
	}
	valueStr = strings.TrimSpace(valueStr)
	if field.Type.Kind() == reflect.Slice && !strings.HasPrefix(valueStr, "[") {
		valueStr = "[" + valueStr + "]"
	}

	// Re-encode the setting as a one entry YAML document, and decode it over cfg.
	var valueNode yaml.Node
	if err := yaml.Unmarshal([]byte(valueStr), &valueNode); err != nil {
		return keysSet, errkind.Wrapf(errkind.Configuration, errors.WithStack(err),
			"failed to parse value %q for setting %q", valueStr, key)
	}
	doc := &yaml.Node{Kind: yaml.MappingNode, Content: []*yaml.Node{
		{Kind: yaml.ScalarNode, Value: key},
		settingValue(&valueNode),
	}}
	encoded, err := yaml.Marshal(doc)
	if err != nil {
		return keysSet, errkind.Wrapf(errkind.Configuration, errors.WithStack(err), "setting %q", key)
	}
	dec := yaml.NewDecoder(strings.NewReader(string(encoded)))
	dec.KnownFields(true)
	if err = dec.Decode(cfg); err != nil {
		return keysSet, errkind.Wrapf(errkind.Configuration, errors.WithStack(err),
			"failed to parse value %q for setting %q (type %s)", valueStr, key, field.Type)
	}
	return append(keysSet, key), nil
}

// settingValue returns the value node of a parsed document: an empty value is an empty string.
func settingValue(node *yaml.Node) *yaml.Node {
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		return node.Content[0]
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: ""}
}

// configFields maps the YAML keys of train.Config to their fields.
func configFields() map[string]reflect.StructField {
	fields := make(map[string]reflect.StructField)
	configType := reflect.TypeFor[train.Config]()
	for i := range configType.NumField() {
		field := configType.Field(i)
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			continue
		}
		fields[name] = field
	}
	return fields
}

// ConfigKeys returns the sorted list of keys accepted by ParseSettings.
func ConfigKeys() []string {
	fields := configFields()
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named
// "set") and with a description of the settings available, with their values in cfg as defaults.
//
// The flag should be created before the call to `flags.Parse()`.
func CreateSettingsFlag(cfg train.Config, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Set training configuration values. ` +
			`It should be a list of elements "key=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Current available settings:`,
	}
	values := reflect.ValueOf(cfg)
	fields := configFields()
	for _, key := range ConfigKeys() {
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, values.FieldByIndex(fields[key].Index).Interface()))
	}
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintSettings pretty-prints the given keys of the configuration, one per line, in sorted order
// and without duplicates. If no keys are given, all keys are printed.
func SprintSettings(cfg train.Config, keys ...string) string {
	if len(keys) == 0 {
		keys = ConfigKeys()
	}
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	values := reflect.ValueOf(cfg)
	fields := configFields()
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		field, found := fields[key]
		if !found {
			continue
		}
		value := values.FieldByIndex(field.Index).Interface()
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", key, value, value))
	}
	return strings.Join(parts, "\n")
}
