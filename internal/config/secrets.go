package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/googleapis/gax-go/v2"
	vault "github.com/hashicorp/vault/api"
	"github.com/rs/zerolog/log"
)

// Secret reference schemes
const (
	SchemeAWS   = "awssm://"
	SchemeVault = "vault://"
	SchemeGCP   = "gcpsm://"
)

// ErrSecretNotFound is returned when a reference does not resolve to a value
var ErrSecretNotFound = errors.New("secret not found")

// AWSSecretsClient is the subset of the Secrets Manager client used for resolution
type AWSSecretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// GCPSecretsClient is the subset of the Secret Manager client used for resolution
type GCPSecretsClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// VaultReader reads a KV v2 secret
type VaultReader interface {
	ReadKV(ctx context.Context, mount, path string) (map[string]any, error)
}

// IsSecretRef reports whether v names a secret instead of holding a value
func IsSecretRef(v string) bool {
	return strings.HasPrefix(v, SchemeAWS) || strings.HasPrefix(v, SchemeVault) || strings.HasPrefix(v, SchemeGCP)
}

// SecretResolver resolves awssm://, vault:// and gcpsm:// references. Clients are
// created on first use so unused backends need no credentials.
type SecretResolver struct {
	cfg SecretsConfig

	mu    sync.Mutex
	aws   AWSSecretsClient
	gcp   GCPSecretsClient
	vault VaultReader
}

// SecretResolverOption overrides a backend client
type SecretResolverOption func(*SecretResolver)

// WithAWSClient sets the Secrets Manager client
func WithAWSClient(c AWSSecretsClient) SecretResolverOption {
	return func(r *SecretResolver) { r.aws = c }
}

// WithGCPClient sets the Secret Manager client
func WithGCPClient(c GCPSecretsClient) SecretResolverOption {
	return func(r *SecretResolver) { r.gcp = c }
}

// WithVaultReader sets the Vault reader
func WithVaultReader(v VaultReader) SecretResolverOption {
	return func(r *SecretResolver) { r.vault = v }
}

// NewSecretResolver creates a resolver
func NewSecretResolver(cfg SecretsConfig, opts ...SecretResolverOption) *SecretResolver {
	r := &SecretResolver{cfg: cfg}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns the secret named by ref, or ref unchanged when it is a plain value
func (r *SecretResolver) Resolve(ctx context.Context, ref string) (string, error) {
	var (
		v   string
		err error
	)
	switch {
	case strings.HasPrefix(ref, SchemeAWS):
		v, err = r.resolveAWS(ctx, strings.TrimPrefix(ref, SchemeAWS))
	case strings.HasPrefix(ref, SchemeVault):
		v, err = r.resolveVault(ctx, strings.TrimPrefix(ref, SchemeVault))
	case strings.HasPrefix(ref, SchemeGCP):
		v, err = r.resolveGCP(ctx, strings.TrimPrefix(ref, SchemeGCP))
	default:
		return ref, nil
	}
	if err != nil {
		return "", fmt.Errorf("resolve secret %s: %w", redact(ref), err)
	}

	log.Debug().Str("ref", redact(ref)).Msg("Resolved secret reference")
	return v, nil
}

// awssm://<secret-id>[#<json-key>]
func (r *SecretResolver) resolveAWS(ctx context.Context, ref string) (string, error) {
	id, key, _ := strings.Cut(ref, "#")
	if id == "" {
		return "", errors.New("empty secret id")
	}

	client, err := r.awsClient(ctx)
	if err != nil {
		return "", err
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", err
	}
	if out.SecretString == nil {
		return "", ErrSecretNotFound
	}
	if key == "" {
		return *out.SecretString, nil
	}
	return jsonField(*out.SecretString, key)
}

// vault://<mount>/<path>#<key>
func (r *SecretResolver) resolveVault(ctx context.Context, ref string) (string, error) {
	location, key, ok := strings.Cut(ref, "#")
	if !ok || key == "" {
		return "", errors.New("vault reference needs a #key")
	}
	mount, path, ok := strings.Cut(location, "/")
	if !ok || mount == "" || path == "" {
		return "", errors.New("vault reference needs <mount>/<path>")
	}

	reader, err := r.vaultReader()
	if err != nil {
		return "", err
	}

	data, err := reader.ReadKV(ctx, mount, path)
	if err != nil {
		return "", err
	}
	v, ok := data[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("vault key %s is not a string", key)
	}
	return s, nil
}

// gcpsm://projects/<p>/secrets/<s>/versions/<v>
func (r *SecretResolver) resolveGCP(ctx context.Context, name string) (string, error) {
	if !strings.HasPrefix(name, "projects/") {
		return "", errors.New("gcp reference must start with projects/")
	}

	client, err := r.gcpClient(ctx)
	if err != nil {
		return "", err
	}

	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", ErrSecretNotFound
	}
	return string(resp.GetPayload().GetData()), nil
}

func (r *SecretResolver) awsClient(ctx context.Context) (AWSSecretsClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aws != nil {
		return r.aws, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if r.cfg.AWSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(r.cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	r.aws = secretsmanager.NewFromConfig(awsCfg)
	return r.aws, nil
}

func (r *SecretResolver) gcpClient(ctx context.Context) (GCPSecretsClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gcp != nil {
		return r.gcp, nil
	}

	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCP secret manager client: %w", err)
	}
	r.gcp = client
	return r.gcp, nil
}

func (r *SecretResolver) vaultReader() (VaultReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vault != nil {
		return r.vault, nil
	}

	vcfg := vault.DefaultConfig()
	if r.cfg.VaultAddress != "" {
		vcfg.Address = r.cfg.VaultAddress
	}
	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if r.cfg.VaultToken != "" {
		client.SetToken(r.cfg.VaultToken)
	}
	r.vault = &vaultKV{client: client}
	return r.vault, nil
}

// Close releases backend clients that hold connections
func (r *SecretResolver) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gcp != nil {
		if err := r.gcp.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close GCP secret manager client")
		}
		r.gcp = nil
	}
}

type vaultKV struct {
	client *vault.Client
}

func (v *vaultKV) ReadKV(ctx context.Context, mount, path string) (map[string]any, error) {
	secret, err := v.client.KVv2(mount).Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrSecretNotFound
	}
	return secret.Data, nil
}

func jsonField(doc, key string) (string, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(doc), &fields); err != nil {
		return "", fmt.Errorf("secret is not a JSON object: %w", err)
	}
	v, ok := fields[key]
	if !ok {
		return "", ErrSecretNotFound
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("secret key %s is not a string", key)
	}
	return s, nil
}

// redact drops the #key fragment so logs show only the location
func redact(ref string) string {
	location, _, _ := strings.Cut(ref, "#")
	return location
}
