// Package kvsaws provides a sample service.Callbacks implementation backed
// by the AWS SDK's credential chain. It is not a real Kinesis Video Streams
// API client — describe/create/tag/endpoint are deterministic stand-ins so
// cmd/kvs-producer-demo can drive the full stream handshake end to end
// without a live AWS account — but GetStreamingToken resolves a real
// aws.Credentials from the configured chain and hands its access-key/session
// pair back as the opaque streaming token, the same role AuthIntegration.c
// and Auth.h play for the producer in the original SDK: token acquisition
// is a host responsibility, this package just shows one concrete way to
// satisfy it.
package kvsaws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/alxayo/go-kvs-producer/internal/kvs/service"
)

// Config configures the credential-chain-backed callbacks.
type Config struct {
	Region string
	// AccessKeyID/SecretAccessKey/SessionToken, when all set, build a
	// static credentials provider instead of the default chain — useful
	// for local testing without environment/instance-profile credentials.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	// DefaultTokenLifetime is used when the resolved credentials carry no
	// expiration (e.g. long-lived static keys).
	DefaultTokenLifetime time.Duration
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = "us-west-2"
	}
	if c.DefaultTokenLifetime <= 0 {
		c.DefaultTokenLifetime = 15 * time.Minute
	}
}

// Callbacks implements service.Callbacks against a resolved AWS credential
// chain plus deterministic local stand-ins for the control-plane calls this
// demo never actually sends over the wire.
type Callbacks struct {
	cfg   Config
	aws   aws.Config
	creds aws.CredentialsProvider
}

// New resolves an aws.Config via the SDK's standard credential chain
// (environment, shared config/credentials files, SSO, EC2/ECS instance
// role, ...), overridden by cfg's static keys when provided.
func New(ctx context.Context, cfg Config) (*Callbacks, error) {
	cfg.applyDefaults()

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("kvsaws: load aws config: %w", err)
	}
	return &Callbacks{cfg: cfg, aws: awsCfg, creds: awsCfg.Credentials}, nil
}

var _ service.Callbacks = (*Callbacks)(nil)

// DescribeStream reports every stream as freshly created; this demo never
// calls the real KVS control plane, so CreateStream always runs next.
func (c *Callbacks) DescribeStream(ctx context.Context, streamName string) (service.StreamDescription, error) {
	return service.StreamDescription{StreamName: streamName}, nil
}

// CreateStream synthesizes an ARN from the resolved region/account-shaped
// stream name; no API call is made.
func (c *Callbacks) CreateStream(ctx context.Context, deviceName, streamName, contentType, kmsKeyID string, retention time.Duration) (string, error) {
	arn := fmt.Sprintf("arn:aws:kinesisvideo:%s:000000000000:stream/%s/demo", c.cfg.Region, streamName)
	return arn, nil
}

// TagResource is a no-op in this demo; a real callback would call
// TagStream on the KVS control plane.
func (c *Callbacks) TagResource(ctx context.Context, arn string, tags map[string]string) error {
	return nil
}

// GetStreamingEndpoint synthesizes the regional data-plane endpoint shape
// real KVS GetDataEndpoint calls return.
func (c *Callbacks) GetStreamingEndpoint(ctx context.Context, streamName, apiName string) (string, error) {
	return fmt.Sprintf("https://%s.kinesisvideo.%s.amazonaws.com", strings.ToLower(apiName), c.cfg.Region), nil
}

// GetStreamingToken resolves real credentials from the configured chain
// and packs them into an opaque token the stream's control-plane state
// machine treats as a bearer string; its expiry drives the grace-period
// rotation clock (spec §4.6).
func (c *Callbacks) GetStreamingToken(ctx context.Context, streamName string, mode service.AccessMode) ([]byte, time.Time, error) {
	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("kvsaws: retrieve credentials: %w", err)
	}

	expiresAt := time.Now().Add(c.cfg.DefaultTokenLifetime)
	if creds.CanExpire {
		expiresAt = creds.Expires
	}

	raw := creds.AccessKeyID + ":" + creds.SecretAccessKey + ":" + creds.SessionToken
	token := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(token, []byte(raw))
	return token, expiresAt, nil
}

// PutStream mints a process-local upload handle; a real callback would
// open the long-lived HTTP PutMedia request and return its handle.
func (c *Callbacks) PutStream(ctx context.Context, streamName, containerType string, startTime time.Time, absoluteTimes, ackEnabled bool, endpoint string) (uint64, error) {
	return uint64(startTime.UnixNano()), nil
}

type notFoundError struct{ msg string }

func (e *notFoundError) Error() string { return e.msg }

var errNotFound = &notFoundError{msg: "stream not found (demo: always creates new)"}
