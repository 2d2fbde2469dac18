package adapters

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/shared"
	"repo-publisher/internal/types"
)

const DefaultUtilityImage = "ghcr.io/fullstaq-ruby/server-edition-ci-images:utility-v1.0"

// YumBackend maintains a plain <distro>/<arch>/ tree of rpm files with
// createrepo metadata per architecture directory. The tree is also the
// whole version state.
type YumBackend struct {
	DockerBinary string
	// Image runs createrepo; an empty Image runs CreaterepoBinary on the
	// host instead.
	Image            string
	CreaterepoBinary string
	UID              int
	GID              int

	treeDir string
}

func NewYumBackend(image string) *YumBackend {
	return &YumBackend{
		DockerBinary:     "docker",
		Image:            image,
		CreaterepoBinary: "createrepo",
		UID:              os.Getuid(),
		GID:              os.Getgid(),
	}
}

func (b *YumBackend) Format() types.PackageFormat {
	return types.PackageFormatRPM
}

func (b *YumBackend) Prepare(ctx context.Context, workDir string) error {
	if strings.TrimSpace(workDir) == "" {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("yum work directory is empty")
	}
	b.treeDir = filepath.Join(workDir, "repo")
	if err := os.MkdirAll(b.treeDir, 0o755); err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to create yum tree").
			WithCause(err)
	}
	return b.ensureImage(ctx)
}

// ensureImage pulls the utility image up front so a slow pull never
// happens while the lock is held.
func (b *YumBackend) ensureImage(ctx context.Context) error {
	if b.Image == "" {
		return nil
	}
	_, stderr, err := b.exec(ctx, b.DockerBinary, "inspect", b.Image)
	if err == nil {
		return nil
	}
	if !strings.Contains(stderr, "No such object") {
		return b.commandError("docker inspect", stderr, err)
	}
	log.Info().Str("image", b.Image).Msg("pulling utility image")
	if _, stderr, err := b.exec(ctx, b.DockerBinary, "pull", b.Image); err != nil {
		return b.commandError("docker pull", stderr, err)
	}
	return nil
}

func (b *YumBackend) StateDir() string {
	return ""
}

func (b *YumBackend) TreeDir() string {
	return b.treeDir
}

func (b *YumBackend) Repositories(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return listDirs(b.treeDir)
}

func (b *YumBackend) Inventory(ctx context.Context, distros []string) (types.Inventory, error) {
	inventory := types.Inventory{}
	for _, distro := range distros {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		archs, err := listDirs(filepath.Join(b.treeDir, distro))
		if err != nil {
			return nil, err
		}
		for _, arch := range archs {
			partition := types.Partition{Distro: distro, Arch: arch}
			files, err := filepath.Glob(filepath.Join(b.partitionDir(partition), "*.rpm"))
			if err != nil {
				return nil, err
			}
			for _, file := range files {
				inventory.Add(partition, filepath.Base(file))
			}
		}
	}
	return inventory, nil
}

func (b *YumBackend) Import(ctx context.Context, partition types.Partition, packages []types.PackageDescriptor, opts types.ImportOptions) error {
	dir := b.partitionDir(partition)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg(fmt.Sprintf("failed to create %s", partition)).
			WithCause(err)
	}
	for _, pkg := range packages {
		if err := ctx.Err(); err != nil {
			return err
		}
		// A present target may be hardlinked into other architecture
		// directories; unlink it rather than writing through it.
		target := filepath.Join(dir, pkg.CanonicalName)
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return err
		}
		if err := hardlinkOrCopy(pkg.Path, target); err != nil {
			return errbuilder.New().
				WithCode(errbuilder.CodeInternal).
				WithMsg(fmt.Sprintf("failed to import %s into %s", pkg.Path, partition)).
				WithCause(err)
		}
	}
	log.Info().Str("partition", partition.String()).Int("packages", len(packages)).Bool("overwrite", opts.Overwrite).Msg("imported packages")
	return nil
}

// Finalize links the noarch and src packages of every touched
// distribution into each real architecture directory, replacing what was
// linked there before. Those architecture indexes then need regenerating
// too.
func (b *YumBackend) Finalize(ctx context.Context, partitions []types.Partition) ([]types.Partition, error) {
	affected := map[types.Partition]struct{}{}
	distros := map[string]struct{}{}
	for _, partition := range partitions {
		affected[partition] = struct{}{}
		distros[partition.Distro] = struct{}{}
	}

	for distro := range distros {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		archs, err := listDirs(filepath.Join(b.treeDir, distro))
		if err != nil {
			return nil, err
		}
		var realArchs []string
		for _, arch := range archs {
			if !types.IsArchIndependent(arch) {
				realArchs = append(realArchs, arch)
			}
		}
		if len(realArchs) == 0 {
			continue
		}
		for _, independent := range []string{types.ArchNoarch, types.ArchSource} {
			linked, err := b.linkIntoArchDirs(distro, independent, realArchs)
			if err != nil {
				return nil, err
			}
			for _, partition := range linked {
				affected[partition] = struct{}{}
			}
		}
	}

	result := make([]types.Partition, 0, len(affected))
	for partition := range affected {
		result = append(result, partition)
	}
	types.SortPartitions(result)
	return result, nil
}

func (b *YumBackend) linkIntoArchDirs(distro string, independent string, realArchs []string) ([]types.Partition, error) {
	sources, err := filepath.Glob(filepath.Join(b.treeDir, distro, independent, "*.rpm"))
	if err != nil || len(sources) == 0 {
		return nil, err
	}
	log.Info().Str("distro", distro).Str("arch", independent).Msg("linking packages into all architectures")
	var linked []types.Partition
	for _, arch := range realArchs {
		partition := types.Partition{Distro: distro, Arch: arch}
		dir := b.partitionDir(partition)
		stale, err := filepath.Glob(filepath.Join(dir, "*."+independent+".rpm"))
		if err != nil {
			return nil, err
		}
		for _, path := range stale {
			if err := os.Remove(path); err != nil {
				return nil, err
			}
		}
		for _, source := range sources {
			if err := hardlinkOrCopy(source, filepath.Join(dir, filepath.Base(source))); err != nil {
				return nil, errbuilder.New().
					WithCode(errbuilder.CodeInternal).
					WithMsg(fmt.Sprintf("failed to link %s into %s", filepath.Base(source), partition)).
					WithCause(err)
			}
		}
		linked = append(linked, partition)
	}
	return linked, nil
}

// RegenerateIndex runs createrepo over one architecture directory,
// incrementally when metadata already exists.
func (b *YumBackend) RegenerateIndex(ctx context.Context, partition types.Partition) ([]types.SignTarget, error) {
	dir := b.partitionDir(partition)
	repomd := filepath.Join(dir, "repodata", "repomd.xml")
	var update []string
	if _, err := os.Stat(repomd); err == nil {
		update = []string{"--update"}
	}

	var (
		stderr string
		err    error
	)
	if b.Image == "" {
		args := append(update, dir)
		_, stderr, err = b.exec(ctx, b.CreaterepoBinary, args...)
	} else {
		args := []string{
			"run", "--rm",
			"-v", dir + ":/input:delegated",
			"--user", fmt.Sprintf("%d:%d", b.UID, b.GID),
			b.Image,
			"createrepo",
		}
		args = append(args, update...)
		args = append(args, "/input")
		_, stderr, err = b.exec(ctx, b.DockerBinary, args...)
	}
	if err != nil {
		return nil, b.commandError("createrepo", stderr, err)
	}
	return []types.SignTarget{{Path: repomd, Output: repomd + ".asc"}}, nil
}

func (b *YumBackend) partitionDir(partition types.Partition) string {
	return filepath.Join(b.treeDir, partition.Distro, partition.Arch)
}

func (b *YumBackend) exec(ctx context.Context, binary string, args ...string) (string, string, error) {
	log.Debug().Str("command", binary+" "+strings.Join(args, " ")).Msg("running")
	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

func (b *YumBackend) commandError(op string, stderr string, err error) error {
	return errbuilder.New().
		WithCode(errbuilder.CodeInternal).
		WithMsg(op + " failed").
		WithCause(shared.CommandError([]byte(stderr), err))
}

func listDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func hardlinkOrCopy(src string, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

var _ ports.RepoBackendPort = (*YumBackend)(nil)
