package forms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/kobosync/internal/choices"
	"github.com/MarcoPoloResearchLab/kobosync/internal/kobo"
	"go.uber.org/zap"
)

// State is a position in the fetch, modify, push, deploy cycle of one form.
type State int

const (
	StateUnloaded State = iota
	StateLoaded
	StateModified
	StatePushed
	StateDeployed
)

func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateModified:
		return "modified"
	case StatePushed:
		return "pushed"
	case StateDeployed:
		return "deployed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrFetch indicates that the form could not be fetched.
	ErrFetch = errors.New("forms: fetch failed")
	// ErrSchema indicates that the form document has no usable choice collection.
	ErrSchema = errors.New("forms: unsupported form document")
	// ErrPush indicates that the mutated form could not be saved.
	ErrPush = errors.New("forms: push failed")
	// ErrDeploy indicates that the saved version could not be deployed.
	ErrDeploy = errors.New("forms: deploy failed")
	// ErrInvalidState indicates a transition requested from the wrong state.
	ErrInvalidState = errors.New("forms: invalid sequencer state")
)

var (
	errMissingClient   = errors.New("forms: form client is required")
	errMissingAssetUID = errors.New("forms: asset uid is required")
)

// FormClient is the remote form resource.
type FormClient interface {
	FetchAsset(ctx context.Context, assetUID string) (kobo.Asset, error)
	UpdateAsset(ctx context.Context, assetUID string, asset kobo.Asset) (string, error)
	DeployVersion(ctx context.Context, assetUID, versionID string) error
}

// SequencerConfig describes the collaborators of a Sequencer.
type SequencerConfig struct {
	Client   FormClient
	AssetUID string
	Logger   *zap.Logger
}

// Sequencer drives one form through fetch, modify, push and deploy. The remote
// copy changes only on Push and Deploy; a failed Push or Deploy keeps the
// in-memory snapshot so the step can be retried.
type Sequencer struct {
	client            FormClient
	assetUID          string
	logger            *zap.Logger
	state             State
	snapshot          kobo.Asset
	latestVersionID   string
	deployedVersionID string
}

// NewSequencer constructs a Sequencer in the unloaded state.
func NewSequencer(cfg SequencerConfig) (*Sequencer, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	assetUID := strings.TrimSpace(cfg.AssetUID)
	if assetUID == "" {
		return nil, errMissingAssetUID
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sequencer{
		client:   cfg.Client,
		assetUID: assetUID,
		logger:   logger.With(zap.String("asset_uid", assetUID)),
		state:    StateUnloaded,
	}, nil
}

// State reports the current position of the sequencer.
func (s *Sequencer) State() State {
	return s.state
}

// LatestVersionID returns the latest saved version known to the sequencer.
func (s *Sequencer) LatestVersionID() string {
	return s.latestVersionID
}

// DeployedVersionID returns the deployed version known to the sequencer.
func (s *Sequencer) DeployedVersionID() string {
	return s.deployedVersionID
}

// NeedsRedeploy reports whether the latest saved version differs from the deployed one.
func (s *Sequencer) NeedsRedeploy() bool {
	return s.latestVersionID != "" && s.latestVersionID != s.deployedVersionID
}

// Snapshot returns the in-memory form document.
func (s *Sequencer) Snapshot() (kobo.Asset, error) {
	if s.state == StateUnloaded {
		return kobo.Asset{}, fmt.Errorf("%w: form not loaded", ErrInvalidState)
	}
	return s.snapshot, nil
}

// Load fetches the full form and its version identifiers.
func (s *Sequencer) Load(ctx context.Context) error {
	asset, err := s.client.FetchAsset(ctx, s.assetUID)
	if err != nil {
		s.logger.Warn("form fetch failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	s.snapshot = asset
	s.latestVersionID = asset.VersionID()
	s.deployedVersionID = asset.DeployedVersionID()
	s.state = StateLoaded
	s.logger.Debug("form loaded",
		zap.String("version_id", s.latestVersionID),
		zap.String("deployed_version_id", s.deployedVersionID))
	return nil
}

// Choices returns the choice collection of the loaded form.
func (s *Sequencer) Choices() ([]choices.Choice, error) {
	if s.state == StateUnloaded {
		return nil, fmt.Errorf("%w: form not loaded", ErrInvalidState)
	}
	existing, err := s.snapshot.Choices()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSchema, err)
	}
	return existing, nil
}

// Apply appends new choices to the in-memory form.
func (s *Sequencer) Apply(descriptors []choices.NewChoiceDescriptor) error {
	if s.state == StateUnloaded {
		return fmt.Errorf("%w: form not loaded", ErrInvalidState)
	}
	if len(descriptors) == 0 {
		return nil
	}

	working, err := s.snapshot.Clone()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchema, err)
	}
	additions := make([]choices.Choice, 0, len(descriptors))
	for _, descriptor := range descriptors {
		additions = append(additions, descriptor.Choice())
	}
	if err := working.AppendChoices(additions); err != nil {
		return fmt.Errorf("%w: %w", ErrSchema, err)
	}

	s.snapshot = working
	s.state = StateModified
	s.logger.Info("choices staged", zap.Int("count", len(descriptors)))
	return nil
}

// Push saves the in-memory form remotely and re-reads the version identifiers.
func (s *Sequencer) Push(ctx context.Context) error {
	if s.state != StateModified {
		return fmt.Errorf("%w: push requires staged changes, state is %s", ErrInvalidState, s.state)
	}

	versionID, err := s.client.UpdateAsset(ctx, s.assetUID, s.snapshot)
	if err != nil {
		s.logger.Warn("form push failed", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPush, err)
	}
	if versionID != "" {
		s.latestVersionID = versionID
	}
	s.state = StatePushed
	s.logger.Info("form updated", zap.String("version_id", s.latestVersionID))

	if err := s.RefreshVersions(ctx); err != nil {
		s.logger.Warn("version refresh after push failed", zap.Error(err))
	}
	return nil
}

// RefreshVersions re-reads the version identifiers without touching the snapshot.
func (s *Sequencer) RefreshVersions(ctx context.Context) error {
	asset, err := s.client.FetchAsset(ctx, s.assetUID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if latest := asset.VersionID(); latest != "" {
		s.latestVersionID = latest
	}
	s.deployedVersionID = asset.DeployedVersionID()
	return nil
}

// Deploy marks the latest saved version as deployed when it is not already.
// It reports whether a deploy call was issued.
func (s *Sequencer) Deploy(ctx context.Context) (bool, error) {
	switch s.state {
	case StateLoaded, StatePushed, StateDeployed:
	default:
		return false, fmt.Errorf("%w: deploy from state %s", ErrInvalidState, s.state)
	}

	if err := s.RefreshVersions(ctx); err != nil {
		s.logger.Warn("version refresh before deploy failed", zap.Error(err))
	}
	if !s.NeedsRedeploy() {
		s.state = StateDeployed
		s.logger.Info("latest version already deployed", zap.String("version_id", s.latestVersionID))
		return false, nil
	}

	target := s.latestVersionID
	if err := s.client.DeployVersion(ctx, s.assetUID, target); err != nil {
		s.logger.Warn("form deploy failed", zap.String("version_id", target), zap.Error(err))
		return false, fmt.Errorf("%w: version %s: %w", ErrDeploy, target, err)
	}
	s.deployedVersionID = target
	s.state = StateDeployed
	s.logger.Info("form redeployed", zap.String("version_id", target))
	return true, nil
}
