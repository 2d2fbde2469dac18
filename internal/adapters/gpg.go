package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/rs/zerolog/log"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/shared"
	"repo-publisher/internal/types"
)

// GPGKeyring imports signing keys into a private home directory.
type GPGKeyring struct {
	Binary string
	Home   string
}

func NewGPGKeyring(home string) GPGKeyring {
	return GPGKeyring{Binary: "gpg", Home: home}
}

// ImportKey imports keyPath and returns the fingerprint of its primary
// key, which is what signers pass as --local-user.
func (k GPGKeyring) ImportKey(ctx context.Context, keyPath string) (string, error) {
	output, err := runGPG(ctx, k.Binary, k.Home, "--show-keys", "--with-colons", keyPath)
	if err != nil {
		return "", err
	}
	keyID, err := parseKeyFingerprint(output)
	if err != nil {
		return "", err
	}
	log.Info().Str("key_id", keyID).Msg("importing signing key")
	if _, err := runGPG(ctx, k.Binary, k.Home, "--batch", "--import", keyPath); err != nil {
		return "", err
	}
	return keyID, nil
}

// GPGSigner writes armored detached signatures, or clear-signed copies
// for targets that ask for them (InRelease).
type GPGSigner struct {
	Binary string
	Home   string
	KeyID  string
}

func NewGPGSigner(home string, keyID string) GPGSigner {
	return GPGSigner{Binary: "gpg", Home: home, KeyID: keyID}
}

func (s GPGSigner) Sign(ctx context.Context, target types.SignTarget) error {
	if strings.TrimSpace(s.KeyID) == "" {
		return errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("signing key id is empty")
	}
	output := target.Output
	if output == "" {
		output = target.Path + ".asc"
	}
	args := []string{"--local-user=" + s.KeyID, "--batch", "--yes", "--output", output}
	if target.Clear {
		args = append(args, "--clearsign")
	} else {
		args = append(args, "--detach-sign", "--armor")
	}
	args = append(args, target.Path)
	log.Debug().Str("path", target.Path).Str("output", output).Msg("signing")
	_, err := runGPG(ctx, s.Binary, s.Home, args...)
	return err
}

func runGPG(ctx context.Context, binary string, home string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, binary, append([]string{"--homedir", home}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("gpg command failed").
			WithCause(shared.CommandError(stderr.Bytes(), err))
	}
	return stdout.String(), nil
}

// parseKeyFingerprint returns the fingerprint following the first
// primary key record of `gpg --with-colons` output.
func parseKeyFingerprint(output string) (string, error) {
	inPrimary := false
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Split(line, ":")
		switch fields[0] {
		case "sec", "pub":
			inPrimary = true
		case "fpr":
			if inPrimary && len(fields) > 9 && fields[9] != "" {
				return fields[9], nil
			}
		case "ssb", "sub":
			inPrimary = false
		}
	}
	return "", errbuilder.New().
		WithCode(errbuilder.CodeInvalidArgument).
		WithMsg(fmt.Sprintf("no primary key found in %d lines of gpg output", strings.Count(output, "\n")))
}

var (
	_ ports.KeyringPort = GPGKeyring{}
	_ ports.SignerPort  = GPGSigner{}
)
