package paramstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/patrickmn/go-cache"
)

// ssmAPI is the part of *ssm.Client the store uses.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
}

// Getter is what consumers such as the OpenAI client depend on.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// Client reads decrypted SSM parameters and keeps them for ttl so warm
// Lambda invocations do not hit SSM on every request.
type Client struct {
	api   ssmAPI
	cache *cache.Cache
}

func New(api ssmAPI, ttl time.Duration) (*Client, error) {
	if api == nil {
		return nil, errors.New("paramstore: api must not be nil")
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Client{api: api, cache: cache.New(ttl, 2*ttl)}, nil
}

func (c *Client) GetParameter(ctx context.Context, name string) (string, error) {
	if c.api == nil {
		return "", errors.New("paramstore: client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: name is required")
	}
	if v, ok := c.cache.Get(name); ok {
		return v.(string), nil
	}

	withDecryption := true
	out, err := c.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", errors.New("paramstore: parameter missing value")
	}
	c.cache.Set(name, *out.Parameter.Value, cache.DefaultExpiration)
	return *out.Parameter.Value, nil
}

// GetParametersByPath returns every parameter directly under path, keyed by
// the name relative to path.
func (c *Client) GetParametersByPath(ctx context.Context, path string) (map[string]string, error) {
	path = strings.TrimRight(strings.TrimSpace(path), "/")
	if path == "" {
		return nil, errors.New("paramstore: path is required")
	}

	withDecryption := true
	out := make(map[string]string)
	var next *string
	for {
		page, err := c.api.GetParametersByPath(ctx, &ssm.GetParametersByPathInput{
			Path:           &path,
			WithDecryption: &withDecryption,
			NextToken:      next,
		})
		if err != nil {
			return nil, fmt.Errorf("paramstore: get parameters by path %q: %w", path, err)
		}
		for _, p := range page.Parameters {
			if p.Name == nil || p.Value == nil {
				continue
			}
			out[strings.TrimPrefix(*p.Name, path+"/")] = *p.Value
			c.cache.Set(*p.Name, *p.Value, cache.DefaultExpiration)
		}
		if page.NextToken == nil || *page.NextToken == "" {
			return out, nil
		}
		next = page.NextToken
	}
}
