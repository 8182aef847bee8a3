// Package credsfile is the sink kind that writes role credentials into a
// named profile of an AWS shared credentials file.
package credsfile

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/gateway"
	"github.com/jrsteele09/go-credential-broker/internal/utils"
	"github.com/jrsteele09/go-credential-broker/plumbing"
	"github.com/jrsteele09/go-credential-broker/sinks"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SinkCode identifies the shared credentials file kind.
const SinkCode = "aws-credentials-file"

// Sink fields.
const (
	FieldFilePath    = "file_path"
	FieldProfileName = "profile_name"
)

const (
	keyAccessKeyID     = "aws_access_key_id"
	keySecretAccessKey = "aws_secret_access_key"
	keySessionToken    = "aws_session_token"

	maxProfileNameLength = 50
)

var _ plumbing.Kind = (*Kind)(nil)

// Kind writes credentials as named profiles of an AWS shared credentials
// file.
type Kind struct {
	defaultPath string
	fileLocks   *utils.KeyedMutex
	logger      zerolog.Logger
}

type KindOption func(*Kind)

// WithDefaultFilePath is used when a sink does not name a file.
func WithDefaultFilePath(path string) KindOption {
	return func(k *Kind) {
		if path != "" {
			k.defaultPath = path
		}
	}
}

func WithLogger(logger zerolog.Logger) KindOption {
	return func(k *Kind) {
		k.logger = logger
	}
}

// NewKind defaults to the shared credentials file of the current user.
func NewKind(options ...KindOption) *Kind {
	k := &Kind{
		defaultPath: awsconfig.DefaultSharedCredentialsFilename(),
		fileLocks:   utils.NewKeyedMutex(),
		logger:      log.Logger,
	}
	for _, opt := range options {
		opt(k)
	}
	k.logger = k.logger.With().Str("component", "credsfile").Logger()
	return k
}

func (k *Kind) Code() string {
	return SinkCode
}

// Validate normalizes the file path and profile name. The destination is the
// cleaned path plus the profile name.
func (k *Kind) Validate(fields map[string]string) (map[string]string, string, error) {
	path := strings.TrimSpace(fields[FieldFilePath])
	if path == "" {
		path = k.defaultPath
	}
	path = filepath.Clean(path)

	profileName := strings.TrimSpace(fields[FieldProfileName])
	if err := ValidateProfileName(profileName); err != nil {
		return nil, "", err
	}

	normalized := map[string]string{
		FieldFilePath:    path,
		FieldProfileName: profileName,
	}
	return normalized, path + "#" + profileName, nil
}

func ValidateProfileName(name string) error {
	n := utf8.RuneCountInString(name)
	if n < 1 || n > maxProfileNameLength {
		return errors.Wrapf(faults.ErrInvalidAwsProfileName, "profile name must be 1-%d characters", maxProfileNameLength)
	}
	if strings.ContainsAny(name, "[]\r\n") {
		return errors.Wrapf(faults.ErrInvalidAwsProfileName, "profile name %q", name)
	}
	return nil
}

// Connect makes sure the target file, if present, can be parsed so that a
// broken file is reported before the first drain.
func (k *Kind) Connect(ctx context.Context, sink *sinks.SinkInstance) error {
	path := sink.Field(FieldFilePath)

	unlock := k.fileLocks.Lock(path)
	defer unlock()

	_, err := k.read(path)
	return err
}

// Disconnect leaves the file untouched. Credentials already written stay
// until they expire.
func (k *Kind) Disconnect(ctx context.Context, sink *sinks.SinkInstance) error {
	return nil
}

// Drain upserts the sink's profile and rewrites the file atomically.
func (k *Kind) Drain(ctx context.Context, sink *sinks.SinkInstance, creds gateway.RoleCredentials) error {
	path := sink.Field(FieldFilePath)
	profileName := sink.Field(FieldProfileName)
	if path == "" {
		return errors.Wrap(faults.ErrInvalidDestinationFormat, "missing file path")
	}
	if err := ValidateProfileName(profileName); err != nil {
		return err
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return errors.Wrap(faults.ErrEmptyKeyValue, "[credsfile.Drain] credentials without access key")
	}

	unlock := k.fileLocks.Lock(path)
	defer unlock()

	doc, err := k.read(path)
	if err != nil {
		return err
	}

	p := doc.upsert(profileName)
	p.set(keyAccessKeyID, creds.AccessKeyID)
	p.set(keySecretAccessKey, creds.SecretAccessKey)
	if creds.SessionToken != "" {
		p.set(keySessionToken, creds.SessionToken)
	} else {
		p.unset(keySessionToken)
	}

	if err := utils.WriteFileAtomic(path, []byte(doc.String()), 0o600); err != nil {
		return errors.Wrap(err, "[credsfile.Drain] write")
	}

	k.logger.Info().Msgf("profile [%s] written to [%s]", profileName, path)
	return nil
}

func (k *Kind) read(path string) (*document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &document{}, nil
		}
		return nil, errors.Wrap(err, "[credsfile.read]")
	}
	return parse(string(content))
}

// FormatProfile renders creds as a standalone profile block.
func FormatProfile(profileName string, creds gateway.RoleCredentials) string {
	p := &profile{name: profileName}
	p.set(keyAccessKeyID, creds.AccessKeyID)
	p.set(keySecretAccessKey, creds.SecretAccessKey)
	if creds.SessionToken != "" {
		p.set(keySessionToken, creds.SessionToken)
	}
	doc := &document{profiles: []*profile{p}}
	return doc.String()
}
