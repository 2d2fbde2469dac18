package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/shared"
	"repo-publisher/internal/types"
)

const (
	aptlyPublishEndpoint   = "filesystem:main:."
	aptlyUnknownArchsError = "unable to figure out list of architectures"
)

type aptlyConfig struct {
	RootDir                    string                           `json:"rootDir"`
	FileSystemPublishEndpoints map[string]aptlyFilesystemTarget `json:"FileSystemPublishEndpoints"`
}

type aptlyFilesystemTarget struct {
	RootDir      string `json:"rootDir"`
	LinkMethod   string `json:"linkMethod"`
	VerifyMethod string `json:"verifyMethod"`
}

// AptlyBackend keeps one aptly repository per distribution inside the
// work directory. The aptly database under state/db is the version
// snapshot; state/repo is the published tree.
type AptlyBackend struct {
	Binary string

	stateDir   string
	configPath string
}

func NewAptlyBackend() *AptlyBackend {
	return &AptlyBackend{Binary: "aptly"}
}

func (a *AptlyBackend) Format() types.PackageFormat {
	return types.PackageFormatDeb
}

func (a *AptlyBackend) Prepare(ctx context.Context, workDir string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(workDir) == "" {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("aptly work directory is empty")
	}
	a.stateDir = filepath.Join(workDir, "state")
	a.configPath = filepath.Join(workDir, "aptly.conf")
	for _, dir := range []string{filepath.Join(a.stateDir, "db"), a.TreeDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errbuilder.New().
				WithCode(errbuilder.CodeInternal).
				WithMsg("failed to create aptly directories").
				WithCause(err)
		}
	}
	config := aptlyConfig{
		RootDir: a.stateDir,
		FileSystemPublishEndpoints: map[string]aptlyFilesystemTarget{
			"main": {RootDir: a.TreeDir(), LinkMethod: "symlink", VerifyMethod: "md5"},
		},
	}
	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.configPath, data, 0o644); err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to write aptly config").
			WithCause(err)
	}
	return nil
}

func (a *AptlyBackend) StateDir() string {
	return a.stateDir
}

func (a *AptlyBackend) TreeDir() string {
	return filepath.Join(a.stateDir, "repo")
}

func (a *AptlyBackend) Repositories(ctx context.Context) ([]string, error) {
	output, err := a.runAptlyOutput(ctx, "repo", "list", "-raw", a.configFlag())
	if err != nil {
		return nil, err
	}
	var repos []string
	for _, line := range strings.Split(output, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			repos = append(repos, name)
		}
	}
	return repos, nil
}

func (a *AptlyBackend) Inventory(ctx context.Context, distros []string) (types.Inventory, error) {
	existing, err := a.Repositories(ctx)
	if err != nil {
		return nil, err
	}
	inventory := types.Inventory{}
	for _, distro := range distros {
		if !slices.Contains(existing, distro) {
			continue
		}
		output, err := a.runAptlyOutput(ctx, "repo", "show", a.configFlag(), "-with-packages", distro)
		if err != nil {
			return nil, err
		}
		partition := types.Partition{Distro: distro}
		for _, name := range parseAptlyPackages(output) {
			inventory.Add(partition, name)
		}
	}
	return inventory, nil
}

func (a *AptlyBackend) Import(ctx context.Context, partition types.Partition, packages []types.PackageDescriptor, opts types.ImportOptions) error {
	if len(packages) == 0 {
		return nil
	}
	existing, err := a.Repositories(ctx)
	if err != nil {
		return err
	}
	if !slices.Contains(existing, partition.Distro) {
		log.Info().Str("distro", partition.Distro).Msg("creating aptly repository")
		if err := a.runAptly(ctx, "repo", "create", a.configFlag(), partition.Distro); err != nil {
			return err
		}
	}
	args := []string{"repo", "add"}
	if opts.Overwrite {
		args = append(args, "-force-replace")
	}
	args = append(args, a.configFlag(), partition.Distro)
	for _, pkg := range packages {
		args = append(args, pkg.Path)
	}
	log.Info().Str("distro", partition.Distro).Int("packages", len(packages)).Msg("importing packages")
	return a.runAptly(ctx, args...)
}

// Finalize compacts the aptly database so the archived state does not
// carry unreferenced package files.
func (a *AptlyBackend) Finalize(ctx context.Context, partitions []types.Partition) ([]types.Partition, error) {
	if err := a.runAptly(ctx, "db", "cleanup", a.configFlag(), "-verbose"); err != nil {
		return nil, err
	}
	return partitions, nil
}

// RegenerateIndex recreates the publication from scratch; `publish
// update` would not pick up architectures new to the repository. Signing
// is left to the caller.
func (a *AptlyBackend) RegenerateIndex(ctx context.Context, partition types.Partition) ([]types.SignTarget, error) {
	distro := partition.Distro
	_, stderr, err := a.publish(ctx, distro, false)
	if err != nil {
		if !strings.Contains(stderr, aptlyUnknownArchsError) {
			return nil, aptlyError(stderr, err)
		}
		log.Info().Str("distro", distro).Msg("retrying publish with all architectures")
		if _, stderr, err = a.publish(ctx, distro, true); err != nil {
			return nil, aptlyError(stderr, err)
		}
	}
	release := filepath.Join(a.TreeDir(), "dists", distro, "Release")
	return []types.SignTarget{
		{Path: release, Output: release + ".gpg"},
		{Path: release, Output: filepath.Join(a.TreeDir(), "dists", distro, "InRelease"), Clear: true},
	}, nil
}

func (a *AptlyBackend) publish(ctx context.Context, distro string, allArchitectures bool) (string, string, error) {
	args := []string{"publish", "repo", "-batch", "-force-overwrite", "-skip-signing"}
	if allArchitectures {
		args = append(args, "-architectures=all")
	}
	args = append(args, a.configFlag(), "-distribution="+distro, distro, aptlyPublishEndpoint)
	return a.exec(ctx, args...)
}

func (a *AptlyBackend) configFlag() string {
	return "-config=" + a.configPath
}

func (a *AptlyBackend) runAptly(ctx context.Context, args ...string) error {
	_, err := a.runAptlyOutput(ctx, args...)
	return err
}

func (a *AptlyBackend) runAptlyOutput(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, err := a.exec(ctx, args...)
	if err != nil {
		return "", aptlyError(stderr, err)
	}
	return stdout, nil
}

func (a *AptlyBackend) exec(ctx context.Context, args ...string) (string, string, error) {
	log.Debug().Str("command", "aptly "+strings.Join(args, " ")).Msg("running aptly")
	cmd := exec.CommandContext(ctx, a.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func aptlyError(stderr string, err error) error {
	return errbuilder.New().
		WithCode(errbuilder.CodeInternal).
		WithMsg("aptly command failed").
		WithCause(shared.CommandError([]byte(stderr), err))
}

// parseAptlyPackages reads the package list following the "Packages:"
// header of `aptly repo show -with-packages`.
func parseAptlyPackages(output string) []string {
	_, list, found := strings.Cut(output, "\nPackages:\n")
	if !found {
		if rest, ok := strings.CutPrefix(output, "Packages:\n"); ok {
			list = rest
		} else {
			return nil
		}
	}
	var names []string
	for _, line := range strings.Split(list, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	return names
}

var _ ports.RepoBackendPort = (*AptlyBackend)(nil)
