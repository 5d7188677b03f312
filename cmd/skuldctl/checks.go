package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sre-norns/skuld/pkg/skuld"
)

// checksFile is a file with definitions of checks to run
type checksFile struct {
	Checks []skuld.Check `yaml:"checks"`
}

func readContent(filename string) ([]byte, error) {
	if filename == "-" {
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read content from STDIN: %w", err)
		}
		return content, nil
	}

	return os.ReadFile(filename)
}

// parseChecks reads checks from a YAML stream: every document is either a list of checks under the "checks" key or a single check
func parseChecks(source string, content []byte) ([]skuld.Check, error) {
	var result []skuld.Check

	decoder := yaml.NewDecoder(bytes.NewReader(content))
	for doc := 1; ; doc++ {
		var node yaml.Node
		if err := decoder.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("%s: document %d: %w", source, doc, err)
		}

		var file checksFile
		if err := node.Decode(&file); err == nil && len(file.Checks) > 0 {
			result = append(result, file.Checks...)
			continue
		}

		var check skuld.Check
		if err := node.Decode(&check); err != nil {
			return nil, fmt.Errorf("%s: document %d: %w", source, doc, err)
		}
		if check.Name == "" && check.Kind == "" {
			continue
		}
		result = append(result, check)
	}

	for i, check := range result {
		if check.Name == "" {
			return nil, fmt.Errorf("%s: check #%d has no name", source, i+1)
		}
		if check.Kind == "" {
			return nil, fmt.Errorf("%s: check %q has no kind", source, check.Name)
		}
	}

	return result, nil
}

func loadChecks(filenames []string) ([]skuld.Check, error) {
	var result []skuld.Check
	for _, filename := range filenames {
		content, err := readContent(filename)
		if err != nil {
			return nil, err
		}

		checks, err := parseChecks(filename, content)
		if err != nil {
			return nil, err
		}
		result = append(result, checks...)
	}

	return result, nil
}
