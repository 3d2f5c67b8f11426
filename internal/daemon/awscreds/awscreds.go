// Package awscreds keeps short-lived AWS credentials on hand as Provider
// Secrets for harnesses that call out to AWS-hosted model providers (e.g. a
// "bedrock" Task needing SigV4 credentials rather than a bearer token). The
// credential-loading half (aws-sdk-go-v2/config.LoadDefaultConfig plus an
// STS call) mirrors this codebase's own AWS SigV4 transport
// (internal/operation/transport's refreshCredentials/validateCredentials);
// here the STS call assumes a configured role instead of validating the
// ambient chain, and the result is handed to oauthrefresh's shape —
// periodic fetch, encrypt, PutSecret — instead of a signer cache.
package awscreds

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/agentsdashboard/engine/internal/daemon/model"
	"github.com/agentsdashboard/engine/internal/daemon/secretcrypto"
)

// RoleConfig names one IAM role to assume on behalf of a Repository, storing
// the resulting temporary credential as a Provider Secret under Provider.
type RoleConfig struct {
	RepositoryID string
	Provider     string
	RoleARN      string
	SessionName  string
	Region       string
	Scopes       []string // not sent to STS; AssumeRole receives only RoleARN and SessionName
}

type SecretWriter interface {
	PutSecret(ctx context.Context, s model.ProviderSecret) error
}

// temporaryCredential is the JSON shape stored (encrypted) as a Provider
// Secret's value; execution.registerSecrets redacts the whole blob, so the
// structure is opaque to it, same as any other secret.
type temporaryCredential struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token"`
	Expiration      time.Time `json:"expiration"`
}

// Refresher assumes each configured role before its credential expires and
// stores the refreshed set encrypted.
type Refresher struct {
	roles     []RoleConfig
	store     SecretWriter
	encryptor *secretcrypto.Cipher
	logger    *slog.Logger
}

func New(roles []RoleConfig, store SecretWriter, encryptor *secretcrypto.Cipher, logger *slog.Logger) *Refresher {
	return &Refresher{roles: roles, store: store, encryptor: encryptor, logger: logger}
}

// RefreshAll assumes every configured role, logging (not failing) on a
// single role's error so one misconfigured ARN doesn't block the rest.
func (r *Refresher) RefreshAll(ctx context.Context) {
	for _, role := range r.roles {
		if err := r.refreshOne(ctx, role); err != nil {
			r.logger.Warn("aws credential refresh failed", "provider", role.Provider, "role_arn", role.RoleARN, "error", err)
		}
	}
}

func (r *Refresher) refreshOne(ctx context.Context, role RoleConfig) error {
	var opts []func(*awsconfig.LoadOptions) error
	if role.Region != "" {
		opts = append(opts, awsconfig.WithRegion(role.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return err
	}

	client := sts.NewFromConfig(awsCfg)
	sessionName := role.SessionName
	if sessionName == "" {
		sessionName = "engine-" + role.Provider
	}
	out, err := client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(role.RoleARN),
		RoleSessionName: aws.String(sessionName),
	})
	if err != nil {
		return err
	}

	cred := temporaryCredential{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      aws.ToTime(out.Credentials.Expiration),
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return err
	}

	value := raw
	if r.encryptor != nil {
		value, err = r.encryptor.Encrypt(raw)
		if err != nil {
			return err
		}
	}

	return r.store.PutSecret(ctx, model.ProviderSecret{
		RepositoryID:   role.RepositoryID,
		Provider:       role.Provider,
		EncryptedValue: value,
		UpdatedAt:      time.Now().UTC(),
	})
}
