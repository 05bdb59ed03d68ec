package credentials

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/zalando/go-keyring"
)

const (
	// KeyringService groups the stored secrets in the OS keyring.
	KeyringService = "kobo_toolbox"
	userAPIToken   = "api_token"
	userAssetUID   = "asset_uid"
)

var (
	// ErrNotFound indicates that no credentials are stored.
	ErrNotFound = errors.New("credentials: not found")
	// ErrInvalid indicates that credentials fail the format checks.
	ErrInvalid = errors.New("credentials: invalid")
)

// Credentials authenticate against one KoboToolbox form.
type Credentials struct {
	APIToken string `validate:"required,alphanum,len=40"`
	AssetUID string `validate:"required,alphanum,len=22"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the token and asset uid formats.
func (c Credentials) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrors validator.ValidationErrors
		if errors.As(err, &fieldErrors) {
			messages := make([]string, 0, len(fieldErrors))
			for _, fieldError := range fieldErrors {
				messages = append(messages, describe(fieldError))
			}
			return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(messages, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func describe(fieldError validator.FieldError) string {
	switch fieldError.Tag() {
	case "required":
		return fieldError.Field() + " is required"
	case "len":
		return fmt.Sprintf("%s must be %s characters", fieldError.Field(), fieldError.Param())
	case "alphanum":
		return fieldError.Field() + " must be alphanumeric"
	default:
		return fieldError.Field() + " is invalid"
	}
}

// Store persists credentials between runs.
type Store interface {
	Load() (Credentials, error)
	Save(Credentials) error
	Clear() error
}

// KeyringStore keeps credentials in the operating system keyring.
type KeyringStore struct {
	service string
}

// NewKeyringStore constructs a KeyringStore under KeyringService.
func NewKeyringStore() *KeyringStore {
	return &KeyringStore{service: KeyringService}
}

// Load reads both secrets; a missing secret yields ErrNotFound.
func (s *KeyringStore) Load() (Credentials, error) {
	token, err := s.get(userAPIToken)
	if err != nil {
		return Credentials{}, err
	}
	assetUID, err := s.get(userAssetUID)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{APIToken: token, AssetUID: assetUID}, nil
}

// Save validates and writes both secrets.
func (s *KeyringStore) Save(creds Credentials) error {
	creds.APIToken = strings.TrimSpace(creds.APIToken)
	creds.AssetUID = strings.TrimSpace(creds.AssetUID)
	if err := creds.Validate(); err != nil {
		return err
	}
	if err := keyring.Set(s.service, userAPIToken, creds.APIToken); err != nil {
		return fmt.Errorf("credentials: save api token: %w", err)
	}
	if err := keyring.Set(s.service, userAssetUID, creds.AssetUID); err != nil {
		return fmt.Errorf("credentials: save asset uid: %w", err)
	}
	return nil
}

// Clear removes both secrets. Missing secrets are not an error.
func (s *KeyringStore) Clear() error {
	for _, user := range []string{userAPIToken, userAssetUID} {
		if err := keyring.Delete(s.service, user); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("credentials: delete %s: %w", user, err)
		}
	}
	return nil
}

func (s *KeyringStore) get(user string) (string, error) {
	value, err := keyring.Get(s.service, user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, user)
		}
		return "", fmt.Errorf("credentials: read %s: %w", user, err)
	}
	return value, nil
}

// Resolve fills the fields missing from explicit with stored credentials.
// Explicit values from configuration win.
func Resolve(explicit Credentials, store Store) (Credentials, error) {
	resolved := Credentials{
		APIToken: strings.TrimSpace(explicit.APIToken),
		AssetUID: strings.TrimSpace(explicit.AssetUID),
	}
	if resolved.APIToken != "" && resolved.AssetUID != "" {
		return resolved, nil
	}
	if store == nil {
		return resolved, ErrNotFound
	}
	stored, err := store.Load()
	if err != nil {
		return resolved, err
	}
	if resolved.APIToken == "" {
		resolved.APIToken = stored.APIToken
	}
	if resolved.AssetUID == "" {
		resolved.AssetUID = stored.AssetUID
	}
	return resolved, nil
}
