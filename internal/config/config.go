// Package config loads flag values from a YAML file.
//
// The file is a flat mapping from long flag names to values:
//
//	socks5-listen: 127.0.0.1:1080
//	stall-timeout: 45s
//	listen-multipath: true
//
// Flags given on the command line take precedence over the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// ApplyFile reads path and sets every flag it names on fs that was not
// already set on the command line. Unknown flag names are an error.
func ApplyFile(fs *pflag.FlagSet, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := Apply(fs, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

// Apply is ApplyFile for an already open document.
func Apply(fs *pflag.FlagSet, r io.Reader) error {
	var values map[string]yaml.Node
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&values); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := fs.Lookup(name)
		if f == nil {
			return fmt.Errorf("unknown flag %q", name)
		}
		if name == "config" {
			return errors.New("config files cannot include other config files")
		}
		if f.Changed {
			continue
		}

		node := values[name]
		if node.Kind != yaml.ScalarNode {
			return fmt.Errorf("%s: expected a scalar value", name)
		}
		if err := fs.Set(name, node.Value); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
