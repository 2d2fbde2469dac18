package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
	debversion "github.com/knqyf263/go-deb-version"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
)

var (
	dpkgPackagePattern      = regexp.MustCompile(`(?m)^ Package: (.+)$`)
	dpkgVersionPattern      = regexp.MustCompile(`(?m)^ Version: (.+)$`)
	dpkgArchPattern         = regexp.MustCompile(`(?m)^ Architecture: (.+)$`)
	dpkgDistributionPattern = regexp.MustCompile(`(?m)^ +Distribution: (.+)$`)

	rpmNamePattern         = regexp.MustCompile(`(?m)^Name *: (.+)$`)
	rpmVersionPattern      = regexp.MustCompile(`(?m)^Version *: (.+)$`)
	rpmReleasePattern      = regexp.MustCompile(`(?m)^Release *: (.+)$`)
	rpmArchPattern         = regexp.MustCompile(`(?m)^Architecture *: (.+)$`)
	rpmDistributionPattern = regexp.MustCompile(`(?m)^Distribution *: (.+)$`)
)

// DebInspector reads control fields with `dpkg -I`. The canonical name
// is <name>_<version>_<arch>, the form aptly lists repository contents in.
type DebInspector struct {
	Binary string
}

func NewDebInspector() DebInspector {
	return DebInspector{Binary: "dpkg"}
}

func (a DebInspector) Format() types.PackageFormat {
	return types.PackageFormatDeb
}

func (a DebInspector) Inspect(ctx context.Context, path string) (types.PackageDescriptor, error) {
	output, err := runInspection(ctx, a.Binary, path, "-I", path)
	if err != nil {
		return types.PackageDescriptor{}, err
	}
	return parseDpkgInfo(path, output)
}

func parseDpkgInfo(path string, output string) (types.PackageDescriptor, error) {
	name, err := requireField(path, output, dpkgPackagePattern, "package name")
	if err != nil {
		return types.PackageDescriptor{}, err
	}
	version, err := requireField(path, output, dpkgVersionPattern, "package version")
	if err != nil {
		return types.PackageDescriptor{}, err
	}
	if _, err := debversion.NewVersion(version); err != nil {
		return types.PackageDescriptor{}, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("error inspecting %s: invalid version %q", path, version)).
			WithCause(err)
	}
	arch, err := requireField(path, output, dpkgArchPattern, "package architecture")
	if err != nil {
		return types.PackageDescriptor{}, err
	}
	return types.PackageDescriptor{
		Path:          path,
		Format:        types.PackageFormatDeb,
		Distro:        optionalField(output, dpkgDistributionPattern),
		Arch:          arch,
		Name:          name,
		Version:       version,
		CanonicalName: fmt.Sprintf("%s_%s_%s", name, version, arch),
	}, nil
}

// RPMInspector reads the header with `rpm -qip`. The canonical name is
// the file name the package gets inside the yum tree.
type RPMInspector struct {
	Binary string
}

func NewRPMInspector() RPMInspector {
	return RPMInspector{Binary: "rpm"}
}

func (a RPMInspector) Format() types.PackageFormat {
	return types.PackageFormatRPM
}

func (a RPMInspector) Inspect(ctx context.Context, path string) (types.PackageDescriptor, error) {
	output, err := runInspection(ctx, a.Binary, path, "-qip", path)
	if err != nil {
		return types.PackageDescriptor{}, err
	}
	return parseRPMInfo(path, output)
}

func parseRPMInfo(path string, output string) (types.PackageDescriptor, error) {
	name, err := requireField(path, output, rpmNamePattern, "package name")
	if err != nil {
		return types.PackageDescriptor{}, err
	}
	version, err := requireField(path, output, rpmVersionPattern, "package version")
	if err != nil {
		return types.PackageDescriptor{}, err
	}
	release, err := requireField(path, output, rpmReleasePattern, "package release")
	if err != nil {
		return types.PackageDescriptor{}, err
	}
	arch, err := requireField(path, output, rpmArchPattern, "package architecture")
	if err != nil {
		return types.PackageDescriptor{}, err
	}
	distro := optionalField(output, rpmDistributionPattern)
	if distro == "(none)" {
		distro = ""
	}
	return types.PackageDescriptor{
		Path:          path,
		Format:        types.PackageFormatRPM,
		Distro:        distro,
		Arch:          arch,
		Name:          name,
		Version:       version + "-" + release,
		CanonicalName: fmt.Sprintf("%s-%s-%s.%s.rpm", name, version, release, arch),
	}, nil
}

// InspectorFor returns the inspector for format.
func InspectorFor(format types.PackageFormat) (ports.PackageInspectorPort, error) {
	switch format {
	case types.PackageFormatDeb:
		return NewDebInspector(), nil
	case types.PackageFormatRPM:
		return NewRPMInspector(), nil
	default:
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("unsupported package format %q", format))
	}
}

func runInspection(ctx context.Context, binary string, path string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("error inspecting %s", path)).
			WithCause(fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err))
	}
	return stdout.String(), nil
}

func requireField(path string, output string, pattern *regexp.Regexp, field string) (string, error) {
	value := optionalField(output, pattern)
	if value == "" {
		return "", errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("error inspecting %s: could not infer %s", path, field))
	}
	return value, nil
}

func optionalField(output string, pattern *regexp.Regexp) string {
	match := pattern.FindStringSubmatch(output)
	if match == nil {
		return ""
	}
	return strings.TrimSpace(match[1])
}

var (
	_ ports.PackageInspectorPort = DebInspector{}
	_ ports.PackageInspectorPort = RPMInspector{}
)
