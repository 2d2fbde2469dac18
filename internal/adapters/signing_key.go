package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/ZanzyTHEbar/errbuilder-go"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"repo-publisher/internal/ports"
	"repo-publisher/internal/shared"
)

const DefaultSigningKeySecret = "gpg-private-key"

// GcloudSecretKeySource reads the latest version of a secret through the
// gcloud CLI, using whatever credentials the CI runner is logged in with.
type GcloudSecretKeySource struct {
	Binary  string
	Secret  string
	Project string
}

func NewGcloudSecretKeySource(secret string, project string) GcloudSecretKeySource {
	if secret == "" {
		secret = DefaultSigningKeySecret
	}
	return GcloudSecretKeySource{Binary: "gcloud", Secret: secret, Project: project}
}

func (s GcloudSecretKeySource) FetchKey(ctx context.Context) ([]byte, error) {
	args := []string{"secrets", "versions", "access", "latest", "--secret", s.Secret}
	if s.Project != "" {
		args = append(args, "--project", s.Project)
	}
	cmd := exec.CommandContext(ctx, s.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg(fmt.Sprintf("failed to access secret %s", s.Secret)).
			WithCause(shared.CommandError(stderr.Bytes(), err))
	}
	return requireKeyMaterial(stdout.Bytes(), s.Secret)
}

type FileKeySource struct {
	Path string
}

func (s FileKeySource) FetchKey(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeNotFound).
			WithMsg(fmt.Sprintf("failed to read signing key %s", s.Path)).
			WithCause(err)
	}
	return requireKeyMaterial(data, s.Path)
}

// SecretManagerKeySource reads the key through the Secret Manager API.
type SecretManagerKeySource struct {
	client  *secretmanager.Client
	project string
	secret  string
}

func NewSecretManagerKeySource(ctx context.Context, project string, secret string) (*SecretManagerKeySource, error) {
	if project == "" {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg("secret manager requires a project")
	}
	if secret == "" {
		secret = DefaultSigningKeySecret
	}
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInternal).
			WithMsg("failed to create secret manager client").
			WithCause(err)
	}
	return &SecretManagerKeySource{client: client, project: project, secret: secret}, nil
}

func (s *SecretManagerKeySource) FetchKey(ctx context.Context) ([]byte, error) {
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretVersionName(s.project, s.secret),
	})
	if err != nil {
		return nil, classifySecretError(s.secret, err)
	}
	return requireKeyMaterial(result.GetPayload().GetData(), s.secret)
}

func (s *SecretManagerKeySource) Close() error {
	return s.client.Close()
}

func secretVersionName(project string, secret string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", project, secret)
}

func classifySecretError(secret string, err error) error {
	code := errbuilder.CodeInternal
	switch status.Code(err) {
	case codes.NotFound:
		code = errbuilder.CodeNotFound
	case codes.PermissionDenied, codes.Unauthenticated:
		code = errbuilder.CodePermissionDenied
	}
	return errbuilder.New().
		WithCode(code).
		WithMsg(fmt.Sprintf("failed to access secret %s", secret)).
		WithCause(err)
}

func requireKeyMaterial(data []byte, source string) ([]byte, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errbuilder.New().
			WithCode(errbuilder.CodeInvalidArgument).
			WithMsg(fmt.Sprintf("signing key from %s is empty", source))
	}
	return data, nil
}

var (
	_ ports.SigningKeyPort = GcloudSecretKeySource{}
	_ ports.SigningKeyPort = FileKeySource{}
	_ ports.SigningKeyPort = (*SecretManagerKeySource)(nil)
)
