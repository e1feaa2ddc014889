package config

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/googleapis/gax-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAWS struct {
	values map[string]string
	calls  int
}

func (f *fakeAWS) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	v, ok := f.values[*in.SecretId]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: &v}, nil
}

type fakeVault map[string]map[string]any

func (f fakeVault) ReadKV(_ context.Context, mount, path string) (map[string]any, error) {
	data, ok := f[mount+"/"+path]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return data, nil
}

type fakeGCP struct {
	values map[string]string
	closed bool
}

func (f *fakeGCP) AccessSecretVersion(_ context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	v, ok := f.values[req.GetName()]
	if !ok {
		return nil, errors.New("NotFound")
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    req.GetName(),
		Payload: &secretmanagerpb.SecretPayload{Data: []byte(v)},
	}, nil
}

func (f *fakeGCP) Close() error {
	f.closed = true
	return nil
}

func TestResolvePlainValue(t *testing.T) {
	t.Parallel()

	r := NewSecretResolver(SecretsConfig{})
	v, err := r.Resolve(context.Background(), "postgres://localhost/outbox")
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/outbox", v)
	assert.False(t, IsSecretRef(v))
}

func TestResolveAWS(t *testing.T) {
	t.Parallel()

	aws := &fakeAWS{values: map[string]string{
		"outbox/dsn":  "postgres://aws",
		"outbox/json": `{"username":"svc","password":"hunter2"}`,
	}}
	r := NewSecretResolver(SecretsConfig{}, WithAWSClient(aws))
	ctx := context.Background()

	v, err := r.Resolve(ctx, "awssm://outbox/dsn")
	require.NoError(t, err)
	assert.Equal(t, "postgres://aws", v)

	v, err = r.Resolve(ctx, "awssm://outbox/json#password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = r.Resolve(ctx, "awssm://outbox/json#missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = r.Resolve(ctx, "awssm://absent")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "awssm://absent")
}

func TestResolveVault(t *testing.T) {
	t.Parallel()

	r := NewSecretResolver(SecretsConfig{}, WithVaultReader(fakeVault{
		"secret/outbox/redis": {"password": "r3dis", "port": 6379},
	}))
	ctx := context.Background()

	v, err := r.Resolve(ctx, "vault://secret/outbox/redis#password")
	require.NoError(t, err)
	assert.Equal(t, "r3dis", v)

	_, err = r.Resolve(ctx, "vault://secret/outbox/redis#port")
	assert.Error(t, err)

	_, err = r.Resolve(ctx, "vault://secret/outbox/redis")
	assert.Error(t, err, "key fragment is required")

	_, err = r.Resolve(ctx, "vault://secret#password")
	assert.Error(t, err, "path is required")
}

func TestResolveGCP(t *testing.T) {
	t.Parallel()

	name := "projects/acme/secrets/outbox-token/versions/latest"
	gcp := &fakeGCP{values: map[string]string{name: "g-token"}}
	r := NewSecretResolver(SecretsConfig{}, WithGCPClient(gcp))

	v, err := r.Resolve(context.Background(), "gcpsm://"+name)
	require.NoError(t, err)
	assert.Equal(t, "g-token", v)

	_, err = r.Resolve(context.Background(), "gcpsm://acme/outbox-token")
	assert.Error(t, err)

	r.Close()
	assert.True(t, gcp.closed)
}

func TestRedactDropsKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "vault://secret/db", redact("vault://secret/db#password"))
}
