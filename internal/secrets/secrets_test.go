package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSecrets struct {
	values map[string]string
	calls  int
}

func (m *mockSecrets) GetSecretValue(_ context.Context, in *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	v, ok := m.values[*in.SecretId]
	if !ok {
		return nil, errors.New("ResourceNotFoundException")
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestResolveAll(t *testing.T) {
	mock := &mockSecrets{values: map[string]string{
		"recon/db":     `{"password":"pg-pass","user":"recon"}`,
		"recon/twilio": "twilio-token",
	}}
	r := NewResolver(WithClient(mock))

	dbPass := "secretsmanager:recon/db#password"
	token := "secretsmanager:recon/twilio"
	plain := "literal"
	err := r.ResolveAll(context.Background(), map[string]*string{
		"DB_PASSWORD":       &dbPass,
		"TWILIO_AUTH_TOKEN": &token,
		"JWT_SECRET":        &plain,
	})
	require.NoError(t, err)
	assert.Equal(t, "pg-pass", dbPass)
	assert.Equal(t, "twilio-token", token)
	assert.Equal(t, "literal", plain)
}

func TestResolve_CachesPerSecret(t *testing.T) {
	mock := &mockSecrets{values: map[string]string{"recon/db": `{"a":"1","b":"2"}`}}
	r := NewResolver(WithClient(mock))

	a, err := r.Resolve(context.Background(), "secretsmanager:recon/db#a")
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), "secretsmanager:recon/db#b")
	require.NoError(t, err)
	assert.Equal(t, "1", a)
	assert.Equal(t, "2", b)
	assert.Equal(t, 1, mock.calls)
}

func TestResolveAll_ReportsEveryFailure(t *testing.T) {
	r := NewResolver(WithClient(&mockSecrets{values: map[string]string{"recon/plain": "x"}}))

	missing := "secretsmanager:recon/missing"
	badField := "secretsmanager:recon/plain#password"
	err := r.ResolveAll(context.Background(), map[string]*string{
		"WEBHOOK_SECRET": &missing,
		"DB_PASSWORD":    &badField,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET")
	assert.Contains(t, err.Error(), "DB_PASSWORD")
}

func TestResolveAll_NoRefsNeedsNoClient(t *testing.T) {
	v := "plain"
	require.NoError(t, NewResolver().ResolveAll(context.Background(), map[string]*string{"X": &v}))
}
