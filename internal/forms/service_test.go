package forms

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/kobosync/internal/choices"
	"github.com/MarcoPoloResearchLab/kobosync/internal/people"
)

type staticPeople struct {
	records []people.PersonRecord
	err     error
	calls   int
}

func (s *staticPeople) QueryAllPersonRecords(context.Context) ([]people.PersonRecord, error) {
	s.calls++
	return s.records, s.err
}

// scriptedConfirmer answers prompts in order and records them.
type scriptedConfirmer struct {
	answers []bool
	prompts []string
}

func (c *scriptedConfirmer) Confirm(_ context.Context, prompt string) (bool, error) {
	c.prompts = append(c.prompts, prompt)
	if len(c.answers) == 0 {
		return false, nil
	}
	answer := c.answers[0]
	c.answers = c.answers[1:]
	return answer, nil
}

func newTestService(t *testing.T, client Client, source PersonSource, confirmer Confirmer) *Service {
	t.Helper()
	differ, err := choices.NewDiffer(choices.DifferConfig{IDProvider: choices.NewSequentialProvider("k")})
	if err != nil {
		t.Fatalf("failed to construct differ: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Client:     client,
		AssetUID:   testAssetUID,
		People:     source,
		Differ:     differ,
		IDProvider: choices.NewSequentialProvider("m"),
		Confirmer:  confirmer,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func serviceCode(t *testing.T, err error) string {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %v", err)
	}
	return serviceErr.Code()
}

func TestSyncOptionsPushesAndRedeploysNewRecords(t *testing.T) {
	client := newFakeFormClient(t, "v1", "v1", personasChoices)
	source := &staticPeople{records: []people.PersonRecord{
		people.NewPersonRecord("Ana", "Lopez", ""),
		people.NewPersonRecord("Luis", "Perez", "Gomez"),
	}}
	confirmer := &scriptedConfirmer{answers: []bool{true, true}}
	service := newTestService(t, client, source, confirmer)

	report, err := service.SyncOptions(context.Background(), SyncRequest{ListName: "personas"})
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if len(report.Descriptors) != 1 || report.Descriptors[0].Value != "luis_perez_gomez" {
		t.Fatalf("unexpected descriptors %#v", report.Descriptors)
	}
	if !report.Pushed || report.VersionID != "pushed-1" {
		t.Fatalf("expected push of pushed-1, got %#v", report)
	}
	if !report.Deploy.Deployed || len(client.deployCalls) != 1 {
		t.Fatalf("expected one deploy, got %#v / %v", report.Deploy, client.deployCalls)
	}
	if len(confirmer.prompts) != 2 || !strings.Contains(confirmer.prompts[0], "Luis Perez Gomez") {
		t.Fatalf("unexpected prompts %q", confirmer.prompts)
	}
}

func TestSyncOptionsUpToDateDoesNotPush(t *testing.T) {
	client := newFakeFormClient(t, "v1", "v1", personasChoices)
	source := &staticPeople{records: []people.PersonRecord{people.NewPersonRecord(" ana", "LOPEZ ", "")}}
	confirmer := &scriptedConfirmer{}
	service := newTestService(t, client, source, confirmer)

	report, err := service.SyncOptions(context.Background(), SyncRequest{ListName: "personas"})
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if len(report.Descriptors) != 0 || report.Pushed {
		t.Fatalf("expected nothing to change, got %#v", report)
	}
	if client.updateCalls != 0 || len(confirmer.prompts) != 0 {
		t.Fatalf("expected no push and no prompts")
	}
}

func TestSyncOptionsDryRunStopsAfterDiff(t *testing.T) {
	client := newFakeFormClient(t, "v1", "v1", personasChoices)
	source := &staticPeople{records: []people.PersonRecord{people.NewPersonRecord("Rosa", "Diaz", "")}}
	service := newTestService(t, client, source, &scriptedConfirmer{})

	report, err := service.SyncOptions(context.Background(), SyncRequest{ListName: "nuevas", DryRun: true})
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if !report.NewList || !report.DryRun || len(report.Descriptors) != 1 {
		t.Fatalf("unexpected dry-run report %#v", report)
	}
	if client.updateCalls != 0 {
		t.Fatalf("dry run must not push")
	}
}

func TestSyncOptionsDeclinedNewListCancels(t *testing.T) {
	client := newFakeFormClient(t, "v1", "v1", personasChoices)
	source := &staticPeople{records: []people.PersonRecord{people.NewPersonRecord("Rosa", "Diaz", "")}}
	confirmer := &scriptedConfirmer{answers: []bool{false}}
	service := newTestService(t, client, source, confirmer)

	report, err := service.SyncOptions(context.Background(), SyncRequest{ListName: "nuevas"})
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if !report.Cancelled || source.calls != 0 {
		t.Fatalf("expected cancellation before querying records, got %#v", report)
	}
	if !strings.Contains(confirmer.prompts[0], "yes_no") {
		t.Fatalf("expected prompt to list existing lists, got %q", confirmer.prompts[0])
	}
}

func TestSyncOptionsDeclinedRedeployKeepsPush(t *testing.T) {
	client := newFakeFormClient(t, "v1", "v1", personasChoices)
	source := &staticPeople{records: []people.PersonRecord{people.NewPersonRecord("Rosa", "Diaz", "")}}
	service := newTestService(t, client, source, &scriptedConfirmer{answers: []bool{true, false}})

	report, err := service.SyncOptions(context.Background(), SyncRequest{ListName: "personas"})
	if err != nil {
		t.Fatalf("unexpected sync error: %v", err)
	}
	if !report.Pushed || report.Deploy.Requested || len(client.deployCalls) != 0 {
		t.Fatalf("expected push without deploy, got %#v", report)
	}
}

func TestSyncOptionsReportsStageCodes(t *testing.T) {
	client := newFakeFormClient(t, "v1", "v1", personasChoices)
	source := &staticPeople{err: errors.New("connection refused")}
	service := newTestService(t, client, source, AutoConfirm{})

	_, err := service.SyncOptions(context.Background(), SyncRequest{ListName: "personas"})
	if code := serviceCode(t, err); code != "forms.sync_options.query_failed" {
		t.Fatalf("unexpected code %q", code)
	}

	client.fetchErr = errRemoteDown
	_, err = service.SyncOptions(context.Background(), SyncRequest{ListName: "personas"})
	if code := serviceCode(t, err); code != "forms.sync_options.fetch_failed" || !errors.Is(err, ErrFetch) {
		t.Fatalf("unexpected fetch failure %v", err)
	}

	client.fetchErr = nil
	client.updateErr = errRemoteDown
	source.err = nil
	source.records = []people.PersonRecord{people.NewPersonRecord("Rosa", "Diaz", "")}
	_, err = service.SyncOptions(context.Background(), SyncRequest{ListName: "personas"})
	if code := serviceCode(t, err); code != "forms.sync_options.push_failed" || !errors.Is(err, ErrPush) {
		t.Fatalf("unexpected push failure %v", err)
	}
}

func TestAddChoiceRejectsDuplicateValue(t *testing.T) {
	client := newFakeFormClient(t, "v1", "v1", personasChoices)
	service := newTestService(t, client, nil, AutoConfirm{})

	_, err := service.AddChoice(context.Background(), AddChoiceRequest{ListName: "personas", Label: "Ana López", Value: "ana_lopez"})
	if !errors.Is(err, ErrDuplicateValue) {
		t.Fatalf("expected duplicate value error, got %v", err)
	}
	if client.updateCalls != 0 {
		t.Fatalf("duplicate must not be pushed")
	}
}

func TestAddChoiceDerivesValueAndPushes(t *testing.T) {
	client := newFakeFormClient(t, "v1", "v1", personasChoices)
	service := newTestService(t, client, nil, AutoConfirm{})

	report, err := service.AddChoice(context.Background(), AddChoiceRequest{ListName: "personas", Label: "  Rosa   Diaz "})
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
	descriptor := report.Descriptors[0]
	if descriptor.Value != "rosa_diaz" || descriptor.Label != "Rosa Diaz" || descriptor.GeneratedID != "m1" {
		t.Fatalf("unexpected descriptor %#v", descriptor)
	}
	if !report.Pushed || !report.Deploy.Deployed {
		t.Fatalf("expected push and deploy, got %#v", report)
	}
}

func TestRedeployReportsUpToDate(t *testing.T) {
	client := newFakeFormClient(t, "v1", "v1", personasChoices)
	service := newTestService(t, client, nil, AutoConfirm{})

	report, err := service.Redeploy(context.Background())
	if err != nil {
		t.Fatalf("unexpected redeploy error: %v", err)
	}
	if !report.UpToDate || report.Deployed || len(client.deployCalls) != 0 {
		t.Fatalf("expected no-op redeploy, got %#v", report)
	}

	pending := newFakeFormClient(t, "v2", "v1", personasChoices)
	service = newTestService(t, pending, nil, AutoConfirm{})
	report, err = service.Redeploy(context.Background())
	if err != nil {
		t.Fatalf("unexpected redeploy error: %v", err)
	}
	if !report.Deployed || report.VersionID != "v2" {
		t.Fatalf("expected v2 to be deployed, got %#v", report)
	}
}

func TestShowAndExport(t *testing.T) {
	client := newFakeFormClient(t, "v2", "v1", personasChoices)
	service := newTestService(t, client, nil, AutoConfirm{})

	overview, err := service.Show(context.Background())
	if err != nil {
		t.Fatalf("unexpected show error: %v", err)
	}
	if overview.Name != "Registro" || len(overview.Choices) != 2 || len(overview.Survey) != 1 {
		t.Fatalf("unexpected overview %#v", overview)
	}

	results, err := service.Export(context.Background())
	if err != nil || len(results) != 1 {
		t.Fatalf("unexpected export %v/%d", err, len(results))
	}
}

func TestNewServiceRequiresConfirmer(t *testing.T) {
	client := newFakeFormClient(t, "v1", "v1", personasChoices)
	_, err := NewService(ServiceConfig{Client: client, AssetUID: testAssetUID})
	if code := serviceCode(t, err); code != "forms.service.new.missing_dependency" {
		t.Fatalf("unexpected code %q", code)
	}
}
