package adapters

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/types"
)

var (
	gsutilGenerationPattern = regexp.MustCompile(`(?m)^\s*Generation:\s*(\S+)`)
	gsutilUpdateTimePattern = regexp.MustCompile(`(?m)^\s*Update time:\s*(.+)$`)
	gsutilLengthPattern     = regexp.MustCompile(`(?m)^\s*Content-Length:\s*(\d+)`)
	gsutilListLinePattern   = regexp.MustCompile(`^\s*(\d+)\s+(\S+)\s+(gs://\S+?)(?:#(\d+))?\s*$`)
)

// GsutilObjectStore shells out to gsutil. Conditional operations use the
// x-goog-if-generation-match header, where generation 0 means "must not
// exist".
type GsutilObjectStore struct {
	Binary string
}

func NewGsutilObjectStore(binary string) GsutilObjectStore {
	if binary == "" {
		binary = "gsutil"
	}
	return GsutilObjectStore{Binary: binary}
}

func (s GsutilObjectStore) Get(ctx context.Context, url string) ([]byte, error) {
	stdout, stderr, err := s.run(ctx, nil, "cp", url, "-")
	if err != nil {
		return nil, classifyGsutilError("cp", url, stderr, err)
	}
	return stdout, nil
}

func (s GsutilObjectStore) Stat(ctx context.Context, url string) (types.ObjectAttrs, error) {
	stdout, stderr, err := s.run(ctx, nil, "stat", url)
	if err != nil {
		return types.ObjectAttrs{}, classifyGsutilError("stat", url, append(stdout, stderr...), err)
	}
	return parseGsutilStat(url, string(stdout))
}

func (s GsutilObjectStore) Put(ctx context.Context, url string, data []byte, opts types.WriteOptions) (types.ObjectAttrs, error) {
	args := append(headerArgs(opts), "cp", "-", url)
	_, stderr, err := s.run(ctx, data, append([]string{"-q"}, args...)...)
	if err != nil {
		return types.ObjectAttrs{}, classifyGsutilError("cp", url, stderr, err)
	}
	// gsutil does not report the generation it wrote.
	return s.Stat(ctx, url)
}

func (s GsutilObjectStore) Delete(ctx context.Context, url string, cond types.Precondition) error {
	args := []string{"-q"}
	args = append(args, preconditionArgs(cond)...)
	args = append(args, "rm", url)
	_, stderr, err := s.run(ctx, nil, args...)
	if err != nil {
		return classifyGsutilError("rm", url, stderr, err)
	}
	return nil
}

func (s GsutilObjectStore) List(ctx context.Context, prefix string) ([]types.ObjectAttrs, error) {
	stdout, stderr, err := s.run(ctx, nil, "ls", "-l", "-r", prefix+"**")
	if err != nil {
		classified := classifyGsutilError("ls", prefix, stderr, err)
		if errors.Is(classified, ports.ErrObjectNotFound) {
			return nil, nil
		}
		return nil, classified
	}
	return parseGsutilList(string(stdout)), nil
}

func (s GsutilObjectStore) Upload(ctx context.Context, localPath string, url string, opts types.WriteOptions) error {
	args := append([]string{"-q"}, headerArgs(opts)...)
	args = append(args, "cp", localPath, url)
	_, stderr, err := s.run(ctx, nil, args...)
	if err != nil {
		return classifyGsutilError("cp", url, stderr, err)
	}
	return nil
}

func (s GsutilObjectStore) Download(ctx context.Context, url string, localPath string) error {
	_, stderr, err := s.run(ctx, nil, "-m", "cp", url, localPath)
	if err != nil {
		return classifyGsutilError("cp", url, stderr, err)
	}
	return nil
}

func (s GsutilObjectStore) SyncTree(ctx context.Context, src string, dst string, opts types.SyncOptions) error {
	if !ports.IsRemoteURL(dst) {
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
	}
	args := []string{"-m"}
	if opts.CacheControl != "" {
		args = append(args, "-h", "Cache-Control:"+opts.CacheControl)
	}
	args = append(args, "rsync", "-r")
	if opts.DeleteExtra {
		args = append(args, "-d")
	}
	args = append(args, src, dst)
	_, stderr, err := s.run(ctx, nil, args...)
	if err != nil {
		return classifyGsutilError("rsync", src, stderr, err)
	}
	return nil
}

func (s GsutilObjectStore) run(ctx context.Context, stdin []byte, args ...string) ([]byte, []byte, error) {
	log.Debug().Str("command", s.Binary+" "+strings.Join(args, " ")).Msg("running gsutil")
	cmd := exec.CommandContext(ctx, s.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	err := cmd.Run()
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return stdout.Bytes(), stderr.Bytes(), err
}

func headerArgs(opts types.WriteOptions) []string {
	args := preconditionArgs(opts.Precondition)
	if opts.CacheControl != "" {
		args = append(args, "-h", "Cache-Control:"+opts.CacheControl)
	}
	if opts.ContentType != "" {
		args = append(args, "-h", "Content-Type:"+opts.ContentType)
	}
	return args
}

func preconditionArgs(cond types.Precondition) []string {
	switch {
	case cond.DoesNotExist:
		return []string{"-h", "x-goog-if-generation-match:0"}
	case cond.GenerationMatch != 0:
		return []string{"-h", fmt.Sprintf("x-goog-if-generation-match:%d", cond.GenerationMatch)}
	default:
		return nil
	}
}

func classifyGsutilError(op string, url string, output []byte, err error) error {
	text := string(output)
	switch {
	case strings.Contains(text, "412 Precondition Failed"), strings.Contains(text, "PreconditionException"):
		return ports.ErrPreconditionFailed
	case strings.Contains(text, "No URLs matched"), strings.Contains(text, "matched no objects"):
		return ports.ErrObjectNotFound
	default:
		return &ports.CommandError{Op: op, URL: url, Output: text, Err: err}
	}
}

func parseGsutilStat(url string, output string) (types.ObjectAttrs, error) {
	attrs := types.ObjectAttrs{URL: url}
	match := gsutilGenerationPattern.FindStringSubmatch(output)
	if match == nil {
		return attrs, &ports.MetadataParseError{URL: url, Field: "generation"}
	}
	generation, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return attrs, &ports.MetadataParseError{URL: url, Field: "generation"}
	}
	attrs.Generation = generation

	match = gsutilUpdateTimePattern.FindStringSubmatch(output)
	if match == nil {
		return attrs, &ports.MetadataParseError{URL: url, Field: "update time"}
	}
	updated, err := time.Parse(time.RFC1123, strings.TrimSpace(match[1]))
	if err != nil {
		return attrs, &ports.MetadataParseError{URL: url, Field: "update time"}
	}
	attrs.UpdateTime = updated

	if match := gsutilLengthPattern.FindStringSubmatch(output); match != nil {
		attrs.Size, _ = strconv.ParseInt(match[1], 10, 64)
	}
	return attrs, nil
}

// parseGsutilList reads `gsutil ls -l` output; the trailing TOTAL line
// and directory entries are ignored.
func parseGsutilList(output string) []types.ObjectAttrs {
	var result []types.ObjectAttrs
	for _, line := range strings.Split(output, "\n") {
		match := gsutilListLinePattern.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		size, _ := strconv.ParseInt(match[1], 10, 64)
		updated, err := time.Parse(time.RFC3339, match[2])
		if err != nil {
			continue
		}
		attrs := types.ObjectAttrs{URL: match[3], Size: size, UpdateTime: updated}
		if match[4] != "" {
			attrs.Generation, _ = strconv.ParseInt(match[4], 10, 64)
		}
		result = append(result, attrs)
	}
	return result
}

var _ ports.ObjectStorePort = GsutilObjectStore{}
