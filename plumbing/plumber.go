// Package plumbing connects provider instances to sinks and drains issued
// role credentials into them.
package plumbing

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-credential-broker/faults"
	"github.com/jrsteele09/go-credential-broker/gateway"
	"github.com/jrsteele09/go-credential-broker/instances"
	"github.com/jrsteele09/go-credential-broker/sinks"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const maxLabelLength = 50

// Kind is one sink implementation.
type Kind interface {
	Code() string

	// Validate checks kind specific fields and returns them normalized
	// together with the destination key that identifies where the sink
	// writes. Two sinks of the same kind with the same destination on one
	// provider instance are duplicates.
	Validate(fields map[string]string) (map[string]string, string, error)

	Connect(ctx context.Context, sink *sinks.SinkInstance) error
	Disconnect(ctx context.Context, sink *sinks.SinkInstance) error
	Drain(ctx context.Context, sink *sinks.SinkInstance, creds gateway.RoleCredentials) error
}

// Registry is the closed set of sink kinds. It is read-only once built.
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry fails on a nil kind or a repeated code.
func NewRegistry(kinds ...Kind) (*Registry, error) {
	r := &Registry{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		if k == nil {
			return nil, errors.New("[NewRegistry] nil sink kind")
		}
		if _, ok := r.kinds[k.Code()]; ok {
			return nil, errors.Errorf("[NewRegistry] duplicate sink kind %q", k.Code())
		}
		r.kinds[k.Code()] = k
	}
	return r, nil
}

// Lookup returns ErrUnknownSinkCode for a code that is not registered.
func (r *Registry) Lookup(sinkCode string) (Kind, error) {
	k, ok := r.kinds[sinkCode]
	if !ok {
		return nil, errors.Wrapf(faults.ErrUnknownSinkCode, "sink code %q", sinkCode)
	}
	return k, nil
}

// Codes lists the registered sink codes in order.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.kinds))
	for code := range r.kinds {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

// ConnectInput describes a sink to attach to a provider instance.
type ConnectInput struct {
	SinkCode     string
	ProviderCode string
	ProviderID   string
	Label        string
	Fields       map[string]string
}

// Plumber manages sink associations and writes credentials into them.
type Plumber struct {
	registry     *Registry
	sinkRepo     sinks.Repo
	instanceRepo instances.Repo
	nowFunc      func() time.Time
	logger       zerolog.Logger
}

// PlumberOption configures a Plumber.
type PlumberOption func(*Plumber)

func WithNowFunc(now func() time.Time) PlumberOption {
	return func(p *Plumber) {
		p.nowFunc = now
	}
}

func WithLogger(logger zerolog.Logger) PlumberOption {
	return func(p *Plumber) {
		p.logger = logger
	}
}

// NewPlumber builds a plumber over the given sink kinds.
func NewPlumber(registry *Registry, sinkRepo sinks.Repo, instanceRepo instances.Repo, options ...PlumberOption) (*Plumber, error) {
	if registry == nil {
		return nil, errors.New("[NewPlumber] registry is required")
	}
	if sinkRepo == nil {
		return nil, errors.New("[NewPlumber] sinks repo is required")
	}
	if instanceRepo == nil {
		return nil, errors.New("[NewPlumber] instances repo is required")
	}

	p := &Plumber{
		registry:     registry,
		sinkRepo:     sinkRepo,
		instanceRepo: instanceRepo,
		nowFunc:      time.Now,
		logger:       log.Logger,
	}
	for _, opt := range options {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "plumbing").Logger()
	return p, nil
}

func (p *Plumber) Registry() *Registry {
	return p.registry
}

// ConnectSink attaches a new sink to a provider instance and returns its ID.
func (p *Plumber) ConnectSink(ctx context.Context, input ConnectInput) (string, error) {
	kind, err := p.registry.Lookup(input.SinkCode)
	if err != nil {
		return "", err
	}

	label := strings.TrimSpace(input.Label)
	if n := utf8.RuneCountInString(label); n < 1 || n > maxLabelLength {
		return "", errors.Wrapf(faults.ErrInvalidLabel, "label must be 1-%d characters", maxLabelLength)
	}

	if input.ProviderCode != instances.ProviderCodeAwsIdc {
		return "", errors.Wrapf(faults.ErrInvalidProviderCode, "provider code %q", input.ProviderCode)
	}

	inst, err := p.instanceRepo.Get(ctx, input.ProviderID)
	if err != nil {
		if errors.Is(err, instances.ErrNotFound) {
			return "", errors.Wrapf(faults.ErrInvalidProviderId, "provider id %q", input.ProviderID)
		}
		return "", faults.Fatal(errors.Wrap(err, "[Plumber.ConnectSink] get instance"))
	}
	if inst.ProviderCode != input.ProviderCode {
		return "", errors.Wrapf(faults.ErrInvalidProviderId, "provider id %q", input.ProviderID)
	}

	fields, destination, err := kind.Validate(input.Fields)
	if err != nil {
		return "", err
	}

	sink := &sinks.SinkInstance{
		SinkCode:     kind.Code(),
		SinkID:       uuid.NewString(),
		ProviderCode: input.ProviderCode,
		ProviderID:   input.ProviderID,
		Label:        label,
		Destination:  destination,
		Fields:       fields,
		CreatedAt:    p.nowFunc(),
	}

	if err := kind.Connect(ctx, sink); err != nil {
		return "", p.classify(err, "[Plumber.ConnectSink] connect")
	}

	if err := p.sinkRepo.Create(ctx, sink); err != nil {
		if errors.Is(err, sinks.ErrDuplicate) {
			p.logger.Warn().Msgf("sink [%s] already connected to [%s]", destination, input.ProviderID)
			return "", errors.Wrap(faults.ErrInstanceAlreadyRegistered, "[Plumber.ConnectSink]")
		}
		return "", faults.Fatal(errors.Wrap(err, "[Plumber.ConnectSink] create sink"))
	}

	p.logger.Info().Msgf("sink [%s] of kind [%s] connected to [%s]", sink.SinkID, sink.SinkCode, sink.ProviderID)
	return sink.SinkID, nil
}

// DisconnectSink removes the association. Disconnecting a sink that is
// already gone is not an error.
func (p *Plumber) DisconnectSink(ctx context.Context, sinkCode, sinkID string) error {
	kind, err := p.registry.Lookup(sinkCode)
	if err != nil {
		return err
	}

	sink, err := p.sinkRepo.Get(ctx, sinkID)
	if err != nil {
		if errors.Is(err, sinks.ErrNotFound) {
			return nil
		}
		return faults.Fatal(errors.Wrap(err, "[Plumber.DisconnectSink] get sink"))
	}
	if sink.SinkCode != sinkCode {
		return nil
	}

	if err := kind.Disconnect(ctx, sink); err != nil {
		return p.classify(err, "[Plumber.DisconnectSink] disconnect")
	}
	if err := p.sinkRepo.Delete(ctx, sinkID); err != nil {
		return faults.Fatal(errors.Wrap(err, "[Plumber.DisconnectSink] delete sink"))
	}

	p.logger.Info().Msgf("sink [%s] disconnected", sinkID)
	return nil
}

// GetSink loads one connected sink.
func (p *Plumber) GetSink(ctx context.Context, sinkID string) (*sinks.SinkInstance, error) {
	sink, err := p.sinkRepo.Get(ctx, sinkID)
	if err != nil {
		if errors.Is(err, sinks.ErrNotFound) {
			return nil, errors.Wrapf(faults.ErrInstanceWasNotFound, "sink %q", sinkID)
		}
		return nil, faults.Fatal(errors.Wrap(err, "[Plumber.GetSink]"))
	}
	return sink, nil
}

// Drain writes creds to the sink and records when it happened.
func (p *Plumber) Drain(ctx context.Context, sinkID string, creds gateway.RoleCredentials) error {
	sink, err := p.GetSink(ctx, sinkID)
	if err != nil {
		return err
	}

	kind, err := p.registry.Lookup(sink.SinkCode)
	if err != nil {
		return err
	}

	if err := kind.Drain(ctx, sink, creds); err != nil {
		p.logger.Error().Err(err).Msgf("failed to drain sink [%s]", sinkID)
		return p.classify(err, "[Plumber.Drain]")
	}

	if err := p.sinkRepo.MarkDrained(ctx, sinkID, p.nowFunc()); err != nil {
		return faults.Fatal(errors.Wrap(err, "[Plumber.Drain] mark drained"))
	}
	return nil
}

func (p *Plumber) ListConnectedSinks(ctx context.Context, providerCode, providerID string) ([]*sinks.SinkInstance, error) {
	list, err := p.sinkRepo.ListByProvider(ctx, providerCode, providerID)
	if err != nil {
		return nil, faults.Fatal(errors.Wrap(err, "[Plumber.ListConnectedSinks]"))
	}
	return list, nil
}

// classify passes taxonomy errors through untouched and marks anything else
// fatal.
func (p *Plumber) classify(err error, msg string) error {
	if _, ok := faults.CodeOf(err); ok {
		return err
	}
	return faults.Fatal(errors.Wrap(err, msg))
}
