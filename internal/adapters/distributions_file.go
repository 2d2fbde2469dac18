package adapters

import (
	"fmt"
	"os"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"gopkg.in/yaml.v3"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
)

// DistributionsFileAdapter reads the list of supported distributions
// from a YAML file of {name, package_format} entries.
type DistributionsFileAdapter struct {
	Path string
}

func NewDistributionsFileAdapter(path string) DistributionsFileAdapter {
	return DistributionsFileAdapter{Path: path}
}

func (a DistributionsFileAdapter) Distributions() ([]types.Distribution, error) {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg("distributions file not found").
			WithCause(err)
	}
	var file types.DistributionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("failed to parse distributions yaml").
			WithCause(err)
	}
	seen := map[string]struct{}{}
	for i, dist := range file.Distributions {
		if strings.TrimSpace(dist.Name) == "" {
			return nil, errbuilder.New().
				WithCode(errbuilder.CodeInvalidArgument).
				WithMsg(fmt.Sprintf("distribution %d has an empty name", i))
		}
		format := types.PackageFormat(strings.ToLower(string(dist.PackageFormat)))
		if format != types.PackageFormatDeb && format != types.PackageFormatRPM {
			return nil, errbuilder.New().
				WithCode(errbuilder.CodeInvalidArgument).
				WithMsg(fmt.Sprintf("distribution %s has unknown package format %q", dist.Name, dist.PackageFormat))
		}
		if _, ok := seen[dist.Name]; ok {
			return nil, errbuilder.New().
				WithCode(errbuilder.CodeInvalidArgument).
				WithMsg(fmt.Sprintf("distribution %s is listed twice", dist.Name))
		}
		seen[dist.Name] = struct{}{}
		file.Distributions[i].PackageFormat = format
	}
	return file.Distributions, nil
}

var _ ports.DistributionsPort = DistributionsFileAdapter{}
