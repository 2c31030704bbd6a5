// Package secrets resolves "secretsmanager:<secret-id>[#json-key]" configuration values
// through AWS Secrets Manager at process start.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

const Prefix = "secretsmanager:"

// SecretsAPI is the subset of the Secrets Manager client used by Resolver.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, input *secretsmanager.GetSecretValueInput, opts ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type Resolver struct {
	client SecretsAPI
	region string
	cache  map[string]string
}

type Option func(*Resolver)

// WithClient sets a custom Secrets Manager client (useful for testing).
func WithClient(c SecretsAPI) Option {
	return func(r *Resolver) { r.client = c }
}

func WithRegion(region string) Option {
	return func(r *Resolver) { r.region = region }
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{cache: map[string]string{}}
	for _, o := range opts {
		o(r)
	}
	return r
}

// IsRef reports whether v is a secret reference.
func IsRef(v string) bool { return strings.HasPrefix(v, Prefix) }

// ResolveAll replaces every reference in refs with its secret value. Plain values are
// left untouched and no AWS client is created when there is nothing to resolve.
func (r *Resolver) ResolveAll(ctx context.Context, refs map[string]*string) error {
	names := make([]string, 0, len(refs))
	for name, dst := range refs {
		if dst != nil && IsRef(*dst) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	var errs []error
	for _, name := range names {
		v, err := r.Resolve(ctx, *refs[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		*refs[name] = v
	}
	return errors.Join(errs...)
}

// Resolve returns the secret behind ref. A "#key" suffix selects a field of a JSON secret.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if !IsRef(ref) {
		return ref, nil
	}
	id, field, _ := strings.Cut(strings.TrimPrefix(ref, Prefix), "#")
	if id == "" {
		return "", fmt.Errorf("secrets: empty secret id in %q", ref)
	}

	raw, err := r.fetch(ctx, id)
	if err != nil {
		return "", err
	}
	if field == "" {
		return raw, nil
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("secrets: %s is not a JSON secret: %w", id, err)
	}
	v, ok := doc[field]
	if !ok {
		return "", fmt.Errorf("secrets: %s has no field %q", id, field)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("secrets: %s field %q is not a string", id, field)
	}
	return s, nil
}

func (r *Resolver) fetch(ctx context.Context, id string) (string, error) {
	if v, ok := r.cache[id]; ok {
		return v, nil
	}
	if r.client == nil {
		var loadOpts []func(*awsconfig.LoadOptions) error
		if r.region != "" {
			loadOpts = append(loadOpts, awsconfig.WithRegion(r.region))
		}
		cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return "", fmt.Errorf("secrets: loading AWS config: %w", err)
		}
		r.client = secretsmanager.NewFromConfig(cfg)
	}

	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		return "", fmt.Errorf("secrets: get %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secrets: %s has no string value", id)
	}
	r.cache[id] = *out.SecretString
	return *out.SecretString, nil
}
