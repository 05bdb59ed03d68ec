package forms

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/kobosync/internal/choices"
	"github.com/MarcoPoloResearchLab/kobosync/internal/people"
	"go.uber.org/zap"
)

var (
	// ErrDuplicateValue indicates that a manual choice reuses a value of its list.
	ErrDuplicateValue = errors.New("forms: choice value already used in list")

	errMissingPersonSource = errors.New("forms: person source is required")
	errMissingDiffer       = errors.New("forms: differ is required")
	errMissingConfirmer    = errors.New("forms: confirmer is required")
	errMissingListName     = errors.New("forms: list name is required")
	errMissingLabel        = errors.New("forms: choice label is required")
)

const (
	opServiceNew     = "forms.service.new"
	opShow           = "forms.show"
	opExport         = "forms.export"
	opAddChoice      = "forms.add_choice"
	opRedeploy       = "forms.redeploy"
	opSyncOptions    = "forms.sync_options"
	reasonMissingDep = "missing_dependency"
	reasonInvalid    = "invalid_request"
	reasonFetch      = "fetch_failed"
	reasonSchema     = "schema_unsupported"
	reasonQuery      = "query_failed"
	reasonDiff       = "diff_failed"
	reasonApply      = "apply_failed"
	reasonPush       = "push_failed"
	reasonDeploy     = "deploy_failed"
	reasonDuplicate  = "duplicate_value"
	reasonConfirm    = "confirmation_failed"
	reasonSequencer  = "sequencer_failed"
)

// ServiceError tags a failure with the operation and reason that produced it.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// Client is the remote form resource plus submission export.
type Client interface {
	FormClient
	ExportSubmissions(ctx context.Context, assetUID string) ([]json.RawMessage, error)
}

// PersonSource yields the person records to mirror into a choice list.
type PersonSource interface {
	QueryAllPersonRecords(ctx context.Context) ([]people.PersonRecord, error)
}

// Confirmer asks the operator a yes/no question.
type Confirmer interface {
	Confirm(ctx context.Context, prompt string) (bool, error)
}

// AutoConfirm answers yes to every prompt.
type AutoConfirm struct{}

// Confirm implements Confirmer.
func (AutoConfirm) Confirm(context.Context, string) (bool, error) {
	return true, nil
}

// ServiceConfig describes the collaborators of a Service.
type ServiceConfig struct {
	Client     Client
	AssetUID   string
	People     PersonSource
	Differ     *choices.Differ
	IDProvider choices.IDProvider
	Confirmer  Confirmer
	Logger     *zap.Logger
}

// Service implements the operator use cases over one form.
type Service struct {
	client     Client
	assetUID   string
	people     PersonSource
	differ     *choices.Differ
	idProvider choices.IDProvider
	confirmer  Confirmer
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service. People and
// Differ are only required by SyncOptions and may be nil otherwise.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Client == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDep, errMissingClient)
	}
	if strings.TrimSpace(cfg.AssetUID) == "" {
		return nil, newServiceError(opServiceNew, reasonMissingDep, errMissingAssetUID)
	}
	confirmer := cfg.Confirmer
	if confirmer == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDep, errMissingConfirmer)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = choices.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		client:     cfg.Client,
		assetUID:   strings.TrimSpace(cfg.AssetUID),
		people:     cfg.People,
		differ:     cfg.Differ,
		idProvider: idProvider,
		confirmer:  confirmer,
		logger:     logger,
	}, nil
}

// Overview is the printable summary of a form.
type Overview struct {
	UID               string           `json:"uid" yaml:"uid"`
	Name              string           `json:"name" yaml:"name"`
	VersionID         string           `json:"version_id" yaml:"version_id"`
	DeployedVersionID string           `json:"deployed_version_id" yaml:"deployed_version_id"`
	Survey            []any            `json:"survey" yaml:"survey"`
	Choices           []choices.Choice `json:"choices" yaml:"choices"`
}

// Show fetches the form and summarizes its survey and choices.
func (s *Service) Show(ctx context.Context) (Overview, error) {
	sequencer, err := s.load(ctx, opShow)
	if err != nil {
		return Overview{}, err
	}
	existing, err := sequencer.Choices()
	if err != nil {
		return Overview{}, newServiceError(opShow, reasonSchema, err)
	}
	snapshot, err := sequencer.Snapshot()
	if err != nil {
		return Overview{}, newServiceError(opShow, reasonSequencer, err)
	}
	survey, err := snapshot.Survey()
	if err != nil {
		return Overview{}, newServiceError(opShow, reasonSchema, fmt.Errorf("%w: %w", ErrSchema, err))
	}
	return Overview{
		UID:               snapshot.UID(),
		Name:              snapshot.Name(),
		VersionID:         sequencer.LatestVersionID(),
		DeployedVersionID: sequencer.DeployedVersionID(),
		Survey:            survey,
		Choices:           existing,
	}, nil
}

// Export returns the submission records of the form.
func (s *Service) Export(ctx context.Context) ([]json.RawMessage, error) {
	results, err := s.client.ExportSubmissions(ctx, s.assetUID)
	if err != nil {
		return nil, newServiceError(opExport, reasonFetch, fmt.Errorf("%w: %w", ErrFetch, err))
	}
	s.logger.Info("submissions exported", zap.Int("count", len(results)))
	return results, nil
}

// DeployOutcome describes the deploy step of an operation.
type DeployOutcome struct {
	Requested bool   `json:"requested" yaml:"requested"`
	Deployed  bool   `json:"deployed" yaml:"deployed"`
	VersionID string `json:"version_id" yaml:"version_id"`
}

// RedeployReport is the result of Redeploy.
type RedeployReport struct {
	DeployOutcome `yaml:",inline"`
	UpToDate      bool `json:"up_to_date" yaml:"up_to_date"`
}

// Redeploy deploys the latest saved version when it differs from the deployed one.
func (s *Service) Redeploy(ctx context.Context) (RedeployReport, error) {
	sequencer, err := s.load(ctx, opRedeploy)
	if err != nil {
		return RedeployReport{}, err
	}
	deployed, err := sequencer.Deploy(ctx)
	if err != nil {
		return RedeployReport{}, newServiceError(opRedeploy, reasonDeploy, err)
	}
	return RedeployReport{
		DeployOutcome: DeployOutcome{Requested: true, Deployed: deployed, VersionID: sequencer.LatestVersionID()},
		UpToDate:      !deployed,
	}, nil
}

// AddChoiceRequest describes one manually added choice.
type AddChoiceRequest struct {
	ListName string
	Label    string
	Value    string
}

// ChangeReport is the result of an operation that may push and deploy.
type ChangeReport struct {
	ListName    string                        `json:"list_name" yaml:"list_name"`
	NewList     bool                          `json:"new_list" yaml:"new_list"`
	Descriptors []choices.NewChoiceDescriptor `json:"added" yaml:"added"`
	DryRun      bool                          `json:"dry_run" yaml:"dry_run"`
	Cancelled   bool                          `json:"cancelled" yaml:"cancelled"`
	Pushed      bool                          `json:"pushed" yaml:"pushed"`
	VersionID   string                        `json:"version_id,omitempty" yaml:"version_id,omitempty"`
	Deploy      DeployOutcome                 `json:"deploy" yaml:"deploy"`
}

// AddChoice appends one choice to a list, pushes it and optionally redeploys.
// An empty value is derived from the label.
func (s *Service) AddChoice(ctx context.Context, request AddChoiceRequest) (ChangeReport, error) {
	listName := strings.TrimSpace(request.ListName)
	if listName == "" {
		return ChangeReport{}, newServiceError(opAddChoice, reasonInvalid, errMissingListName)
	}
	label := strings.Join(strings.Fields(request.Label), " ")
	if label == "" {
		return ChangeReport{}, newServiceError(opAddChoice, reasonInvalid, errMissingLabel)
	}
	value := strings.TrimSpace(request.Value)
	if value == "" {
		value = strings.TrimRight(strings.ReplaceAll(strings.ToLower(label), " ", "_"), "_")
	}

	sequencer, err := s.load(ctx, opAddChoice)
	if err != nil {
		return ChangeReport{}, err
	}
	existing, err := sequencer.Choices()
	if err != nil {
		return ChangeReport{}, newServiceError(opAddChoice, reasonSchema, err)
	}
	report := ChangeReport{ListName: listName, NewList: len(choices.InList(existing, listName)) == 0}
	for _, choice := range existing {
		if choice.ListName == listName && choice.Name == value {
			return report, newServiceError(opAddChoice, reasonDuplicate, fmt.Errorf("%w: %q in %q", ErrDuplicateValue, value, listName))
		}
	}

	taken := make(map[string]struct{}, len(existing))
	for _, choice := range existing {
		taken[choice.KUID] = struct{}{}
	}
	generatedID, err := s.uniqueID(value, taken)
	if err != nil {
		return report, newServiceError(opAddChoice, reasonInvalid, err)
	}

	descriptor := choices.NewChoiceDescriptor{ListName: listName, Value: value, Label: label, GeneratedID: generatedID}
	report.Descriptors = []choices.NewChoiceDescriptor{descriptor}
	if err := s.pushAndDeploy(ctx, opAddChoice, sequencer, &report); err != nil {
		return report, err
	}
	return report, nil
}

// SyncRequest describes one synchronization of a choice list.
type SyncRequest struct {
	ListName string
	DryRun   bool
}

// SyncOptions mirrors the person records into a choice list of the form. The
// remote form is only changed after the operator confirms the additions.
func (s *Service) SyncOptions(ctx context.Context, request SyncRequest) (ChangeReport, error) {
	if s.people == nil {
		return ChangeReport{}, newServiceError(opSyncOptions, reasonMissingDep, errMissingPersonSource)
	}
	if s.differ == nil {
		return ChangeReport{}, newServiceError(opSyncOptions, reasonMissingDep, errMissingDiffer)
	}
	listName := strings.TrimSpace(request.ListName)
	if listName == "" {
		return ChangeReport{}, newServiceError(opSyncOptions, reasonInvalid, errMissingListName)
	}
	report := ChangeReport{ListName: listName, DryRun: request.DryRun}

	sequencer, err := s.load(ctx, opSyncOptions)
	if err != nil {
		return report, err
	}
	existing, err := sequencer.Choices()
	if err != nil {
		return report, newServiceError(opSyncOptions, reasonSchema, err)
	}

	if len(choices.InList(existing, listName)) == 0 {
		report.NewList = true
		if !request.DryRun {
			prompt := fmt.Sprintf("List %q does not exist (existing: %s). Create it?", listName, strings.Join(choices.ListNames(existing), ", "))
			approved, confirmErr := s.confirmer.Confirm(ctx, prompt)
			if confirmErr != nil {
				return report, newServiceError(opSyncOptions, reasonConfirm, confirmErr)
			}
			if !approved {
				report.Cancelled = true
				return report, nil
			}
		}
	}

	records, err := s.people.QueryAllPersonRecords(ctx)
	if err != nil {
		return report, newServiceError(opSyncOptions, reasonQuery, err)
	}
	descriptors, err := s.differ.Diff(listName, existing, records)
	if err != nil {
		return report, newServiceError(opSyncOptions, reasonDiff, err)
	}
	report.Descriptors = descriptors
	s.logger.Info("choice diff computed",
		zap.String("list_name", listName),
		zap.Int("records", len(records)),
		zap.Int("new_choices", len(descriptors)))

	if len(descriptors) == 0 || request.DryRun {
		return report, nil
	}
	if err := s.pushAndDeploy(ctx, opSyncOptions, sequencer, &report); err != nil {
		return report, err
	}
	return report, nil
}

func (s *Service) pushAndDeploy(ctx context.Context, operation string, sequencer *Sequencer, report *ChangeReport) error {
	approved, err := s.confirmer.Confirm(ctx, additionsPrompt(report.ListName, report.Descriptors))
	if err != nil {
		return newServiceError(operation, reasonConfirm, err)
	}
	if !approved {
		report.Cancelled = true
		return nil
	}

	if err := sequencer.Apply(report.Descriptors); err != nil {
		return newServiceError(operation, reasonApply, err)
	}
	if err := sequencer.Push(ctx); err != nil {
		return newServiceError(operation, reasonPush, err)
	}
	report.Pushed = true
	report.VersionID = sequencer.LatestVersionID()

	if !sequencer.NeedsRedeploy() {
		return nil
	}
	report.Deploy.VersionID = sequencer.LatestVersionID()
	approved, err = s.confirmer.Confirm(ctx, fmt.Sprintf("Redeploy form version %s?", sequencer.LatestVersionID()))
	if err != nil {
		return newServiceError(operation, reasonConfirm, err)
	}
	if !approved {
		return nil
	}
	report.Deploy.Requested = true
	deployed, err := sequencer.Deploy(ctx)
	if err != nil {
		return newServiceError(operation, reasonDeploy, err)
	}
	report.Deploy.Deployed = deployed
	report.Deploy.VersionID = sequencer.LatestVersionID()
	return nil
}

func (s *Service) load(ctx context.Context, operation string) (*Sequencer, error) {
	sequencer, err := NewSequencer(SequencerConfig{Client: s.client, AssetUID: s.assetUID, Logger: s.logger})
	if err != nil {
		return nil, newServiceError(operation, reasonMissingDep, err)
	}
	if err := sequencer.Load(ctx); err != nil {
		return nil, newServiceError(operation, reasonFetch, err)
	}
	return sequencer, nil
}

func (s *Service) uniqueID(value string, taken map[string]struct{}) (string, error) {
	for attempt := 0; attempt < choices.DefaultMaxAttempts; attempt++ {
		id, err := s.idProvider.NewID(value)
		if err != nil {
			return "", fmt.Errorf("%w: %v", choices.ErrIDGeneration, err)
		}
		if _, used := taken[id]; !used && id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: generated id for %q", choices.ErrTooManyCollisions, value)
}

func additionsPrompt(listName string, descriptors []choices.NewChoiceDescriptor) string {
	var builder strings.Builder
	fmt.Fprintf(&builder, "Add %d new choice(s) to list %q?", len(descriptors), listName)
	for _, descriptor := range descriptors {
		fmt.Fprintf(&builder, "\n  %s\t%s", descriptor.Value, descriptor.Label)
	}
	return builder.String()
}
