package users

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/apperrors"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/auth"
	"github.com/MarcoPoloResearchLab/bookshelf/internal/ids"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opRegister     = "users.register"
	opAuthenticate = "users.authenticate"
	opResolveOAuth = "users.resolve_oauth"
	opGet          = "users.get"
	opList         = "users.list"
	opUpdate       = "users.update"
	opDelete       = "users.delete"
	opSetRole      = "users.set_role"

	reasonInvalidInput       = "invalid_input"
	reasonDuplicateIdentity  = "duplicate_identity"
	reasonInvalidCredentials = "invalid_credentials"
	reasonNotFound           = "not_found"
	reasonStoreFailed        = "store_failed"
	reasonHashFailed         = "hash_failed"
	reasonIDFailed           = "id_failed"
	reasonInvalidProfile     = "invalid_profile"
	reasonLinkedElsewhere    = "email_linked_to_other_identity"
	reasonConcurrentIdentity = "concurrent_identity"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingHasher     = errors.New("password hasher is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// PasswordHasher derives and checks password digests.
type PasswordHasher interface {
	Hash(ctx context.Context, plaintext string) (string, error)
	Verify(ctx context.Context, plaintext, digest string) bool
}

// ServiceConfig describes the dependencies for account management and identity resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Hasher     PasswordHasher
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
	// DisableEmailLinking stops OAuth logins from attaching to local accounts that share an email.
	DisableEmailLinking bool
}

// Service registers, authenticates and resolves identities against the credential store.
type Service struct {
	store       *Store
	hasher      PasswordHasher
	idProvider  ids.Provider
	validate    *validator.Validate
	logger      *zap.Logger
	linkByEmail bool
}

// NewService validates dependencies and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: %w", errMissingDatabase)
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("users: %w", errMissingHasher)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: %w", errMissingIDProvider)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.RegisterValidation(maxBytesTag, maxBytes); err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	return &Service{
		store:       NewStore(cfg.Database, cfg.Clock),
		hasher:      cfg.Hasher,
		idProvider:  cfg.IDProvider,
		validate:    validate,
		logger:      logger,
		linkByEmail: !cfg.DisableEmailLinking,
	}, nil
}

const maxBytesTag = "maxbytes"

// maxBytes implements maxbytes=N: the string's length in bytes, not runes, is at most N.
func maxBytes(field validator.FieldLevel) bool {
	limit, err := strconv.Atoi(field.Param())
	if err != nil {
		return false
	}
	return len(field.Field().String()) <= limit
}

// RegisterRequest carries local credentials for a new account.
type RegisterRequest struct {
	Username string `validate:"required,min=3,max=190"`
	Email    string `validate:"required,email,max=320"`
	Password string `validate:"required,min=6,max=72,maxbytes=72"`
}

// Register creates a local account. Duplicate usernames or emails yield a conflict and leave the store unchanged.
func (s *Service) Register(ctx context.Context, request RegisterRequest) (User, error) {
	request.Username = normalize(request.Username)
	request.Email = normalizeEmail(request.Email)
	if err := s.validate.StructCtx(ctx, request); err != nil {
		return User{}, apperrors.New(apperrors.KindValidation, opRegister, reasonInvalidInput, err)
	}

	if taken, err := s.identityTaken(ctx, request.Username, request.Email); err != nil {
		return User{}, apperrors.New(apperrors.KindInternal, opRegister, reasonStoreFailed, err)
	} else if taken {
		return User{}, apperrors.New(apperrors.KindConflict, opRegister, reasonDuplicateIdentity, nil)
	}

	digest, err := s.hasher.Hash(ctx, request.Password)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		return User{}, apperrors.New(apperrors.KindValidation, opRegister, reasonInvalidInput, err)
	}
	if err != nil {
		return User{}, apperrors.New(apperrors.KindInternal, opRegister, reasonHashFailed, err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return User{}, apperrors.New(apperrors.KindInternal, opRegister, reasonIDFailed, err)
	}

	user := User{
		ID:             id,
		Username:       request.Username,
		Email:          stringPointer(request.Email),
		PasswordDigest: stringPointer(digest),
		Role:           string(auth.RoleUser),
	}
	if err := s.store.Create(ctx, &user); err != nil {
		if apperrors.IsUniqueViolation(err) {
			return User{}, apperrors.New(apperrors.KindConflict, opRegister, reasonDuplicateIdentity, err)
		}
		return User{}, apperrors.New(apperrors.KindInternal, opRegister, reasonStoreFailed, err)
	}
	s.logger.Info("user registered", zap.String("user_id", user.ID))
	return user, nil
}

func (s *Service) identityTaken(ctx context.Context, username, email string) (bool, error) {
	if _, err := s.store.FindByUsername(ctx, username); err == nil {
		return true, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return false, err
	}
	if _, err := s.store.FindByEmail(ctx, email); err == nil {
		return true, nil
	} else if !errors.Is(err, ErrUserNotFound) {
		return false, err
	}
	return false, nil
}

// Authenticate checks local credentials. Every mismatch, including OAuth-only accounts, yields the same authentication error.
func (s *Service) Authenticate(ctx context.Context, username, password string) (User, error) {
	username = normalize(username)
	if username == "" || password == "" {
		return User{}, apperrors.New(apperrors.KindAuthentication, opAuthenticate, reasonInvalidCredentials, nil)
	}
	user, err := s.store.FindByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, apperrors.New(apperrors.KindAuthentication, opAuthenticate, reasonInvalidCredentials, nil)
	}
	if err != nil {
		return User{}, apperrors.New(apperrors.KindInternal, opAuthenticate, reasonStoreFailed, err)
	}
	if !user.HasPassword() || !s.hasher.Verify(ctx, password, *user.PasswordDigest) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return User{}, apperrors.New(apperrors.KindInternal, opAuthenticate, reasonHashFailed, ctxErr)
		}
		return User{}, apperrors.New(apperrors.KindAuthentication, opAuthenticate, reasonInvalidCredentials, nil)
	}
	return user, nil
}

// ResolutionOutcome reports which branch of identity resolution produced the record.
type ResolutionOutcome string

const (
	ResolutionExisting ResolutionOutcome = "existing"
	ResolutionLinked   ResolutionOutcome = "linked"
	ResolutionCreated  ResolutionOutcome = "created"
)

// Resolution is the record produced by an OAuth login.
type Resolution struct {
	User    User
	Outcome ResolutionOutcome
}

// ResolveOAuthIdentity finds, links or creates the record for a verified provider profile, in that order.
// Linking trusts provider-verified emails and is disabled with ServiceConfig.DisableEmailLinking.
func (s *Service) ResolveOAuthIdentity(ctx context.Context, provider string, profile auth.OAuthProfile) (Resolution, error) {
	if err := profile.Validate(); err != nil {
		return Resolution{}, apperrors.New(apperrors.KindValidation, opResolveOAuth, reasonInvalidProfile, err)
	}
	provider = strings.ToLower(normalize(provider))
	if provider == "" {
		provider = auth.ProviderGitHub
	}

	existing, err := s.store.FindByOAuthSubject(ctx, profile.SubjectID)
	if err == nil {
		return Resolution{User: existing, Outcome: ResolutionExisting}, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return Resolution{}, apperrors.New(apperrors.KindInternal, opResolveOAuth, reasonStoreFailed, err)
	}

	if s.linkByEmail {
		for _, email := range profile.Emails {
			linked, found, err := s.linkByVerifiedEmail(ctx, email, profile.SubjectID)
			if err != nil {
				return Resolution{}, err
			}
			if found {
				s.logger.Info("oauth identity linked to existing account",
					zap.String("user_id", linked.ID),
					zap.String("provider", provider),
				)
				return Resolution{User: linked, Outcome: ResolutionLinked}, nil
			}
		}
	}

	created, err := s.createOAuthUser(ctx, provider, profile)
	if err != nil {
		return Resolution{}, err
	}
	s.logger.Info("oauth account created", zap.String("user_id", created.ID), zap.String("provider", provider))
	return Resolution{User: created, Outcome: ResolutionCreated}, nil
}

func (s *Service) linkByVerifiedEmail(ctx context.Context, email, subjectID string) (User, bool, error) {
	candidate, err := s.store.FindByEmail(ctx, email)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, apperrors.New(apperrors.KindInternal, opResolveOAuth, reasonStoreFailed, err)
	}
	if candidate.OAuthLinked() {
		if *candidate.OAuthSubjectID == subjectID {
			return candidate, true, nil
		}
		return User{}, false, apperrors.New(apperrors.KindConflict, opResolveOAuth, reasonLinkedElsewhere, nil)
	}

	linked, err := s.store.LinkOAuthSubject(ctx, candidate.ID, subjectID)
	if err != nil {
		if apperrors.IsUniqueViolation(err) {
			return User{}, false, apperrors.New(apperrors.KindConflict, opResolveOAuth, reasonConcurrentIdentity, err)
		}
		return User{}, false, apperrors.New(apperrors.KindInternal, opResolveOAuth, reasonStoreFailed, err)
	}

	reloaded, err := s.store.FindByID(ctx, candidate.ID)
	if err != nil {
		return User{}, false, apperrors.New(apperrors.KindInternal, opResolveOAuth, reasonStoreFailed, err)
	}
	if !linked && (!reloaded.OAuthLinked() || *reloaded.OAuthSubjectID != subjectID) {
		return User{}, false, apperrors.New(apperrors.KindConflict, opResolveOAuth, reasonLinkedElsewhere, nil)
	}
	return reloaded, true, nil
}

func (s *Service) createOAuthUser(ctx context.Context, provider string, profile auth.OAuthProfile) (User, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return User{}, apperrors.New(apperrors.KindInternal, opResolveOAuth, reasonIDFailed, err)
	}

	username, err := s.chooseUsername(ctx, provider, profile, id)
	if err != nil {
		return User{}, apperrors.New(apperrors.KindInternal, opResolveOAuth, reasonStoreFailed, err)
	}
	email, err := s.chooseEmail(ctx, provider, profile, username)
	if err != nil {
		return User{}, apperrors.New(apperrors.KindInternal, opResolveOAuth, reasonStoreFailed, err)
	}

	user := User{
		ID:             id,
		Username:       username,
		Email:          stringPointer(email),
		OAuthSubjectID: stringPointer(profile.SubjectID),
		Role:           string(auth.RoleUser),
	}
	if err := s.store.Create(ctx, &user); err != nil {
		if apperrors.IsUniqueViolation(err) {
			return User{}, apperrors.New(apperrors.KindConflict, opResolveOAuth, reasonConcurrentIdentity, err)
		}
		return User{}, apperrors.New(apperrors.KindInternal, opResolveOAuth, reasonStoreFailed, err)
	}
	return user, nil
}

// chooseUsername prefers the provider login, then provider-subject, then provider-subject-suffix.
func (s *Service) chooseUsername(ctx context.Context, provider string, profile auth.OAuthProfile, id string) (string, error) {
	synthetic := fmt.Sprintf("%s-%s", provider, profile.SubjectID)
	candidates := make([]string, 0, 2)
	if len(profile.Username) >= 3 {
		candidates = append(candidates, profile.Username)
	}
	candidates = append(candidates, synthetic)

	for _, candidate := range candidates {
		_, err := s.store.FindByUsername(ctx, candidate)
		if errors.Is(err, ErrUserNotFound) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
	}
	suffix := strings.ReplaceAll(id, "-", "")
	if len(suffix) > 8 {
		suffix = suffix[len(suffix)-8:]
	}
	return fmt.Sprintf("%s-%s", synthetic, suffix), nil
}

// chooseEmail keeps the asserted email unless another record owns it, then falls back to a provider scoped placeholder.
func (s *Service) chooseEmail(ctx context.Context, provider string, profile auth.OAuthProfile, username string) (string, error) {
	if email := profile.PrimaryEmail(); email != "" {
		_, err := s.store.FindByEmail(ctx, email)
		if errors.Is(err, ErrUserNotFound) {
			return email, nil
		}
		if err != nil {
			return "", err
		}
	}
	return placeholderEmail(provider, profile.SubjectID, username), nil
}

func placeholderEmail(provider, subjectID, username string) string {
	domain := "users.noreply." + provider + ".invalid"
	if provider == auth.ProviderGitHub {
		domain = "users.noreply.github.com"
	}
	return strings.ToLower(fmt.Sprintf("%s+%s@%s", subjectID, username, domain))
}

// Get loads a record by identifier.
func (s *Service) Get(ctx context.Context, id string) (User, error) {
	user, err := s.store.FindByID(ctx, normalize(id))
	if errors.Is(err, ErrUserNotFound) {
		return User{}, apperrors.New(apperrors.KindNotFound, opGet, reasonNotFound, err)
	}
	if err != nil {
		return User{}, apperrors.New(apperrors.KindInternal, opGet, reasonStoreFailed, err)
	}
	return user, nil
}

// List returns every record.
func (s *Service) List(ctx context.Context) ([]User, error) {
	records, err := s.store.List(ctx)
	if err != nil {
		return nil, apperrors.New(apperrors.KindInternal, opList, reasonStoreFailed, err)
	}
	return records, nil
}

// UpdateRequest carries optional profile changes.
type UpdateRequest struct {
	Username *string `validate:"omitempty,min=3,max=190"`
	Email    *string `validate:"omitempty,email,max=320"`
}

// Update applies profile changes. Username or email collisions yield a conflict.
func (s *Service) Update(ctx context.Context, id string, request UpdateRequest) (User, error) {
	updates := map[string]any{}
	if request.Username != nil {
		username := normalize(*request.Username)
		request.Username = &username
		updates["username"] = username
	}
	if request.Email != nil {
		email := normalizeEmail(*request.Email)
		if email == "" {
			return User{}, apperrors.New(apperrors.KindValidation, opUpdate, reasonInvalidInput, errors.New("email must not be empty"))
		}
		request.Email = &email
		updates["email"] = email
	}
	if err := s.validate.StructCtx(ctx, request); err != nil {
		return User{}, apperrors.New(apperrors.KindValidation, opUpdate, reasonInvalidInput, err)
	}
	if len(updates) == 0 {
		return s.Get(ctx, id)
	}

	found, err := s.store.Update(ctx, normalize(id), updates)
	if err != nil {
		if apperrors.IsUniqueViolation(err) {
			return User{}, apperrors.New(apperrors.KindConflict, opUpdate, reasonDuplicateIdentity, err)
		}
		return User{}, apperrors.New(apperrors.KindInternal, opUpdate, reasonStoreFailed, err)
	}
	if !found {
		return User{}, apperrors.New(apperrors.KindNotFound, opUpdate, reasonNotFound, ErrUserNotFound)
	}
	return s.Get(ctx, id)
}

// Delete removes the record.
func (s *Service) Delete(ctx context.Context, id string) error {
	found, err := s.store.Delete(ctx, normalize(id))
	if err != nil {
		return apperrors.New(apperrors.KindInternal, opDelete, reasonStoreFailed, err)
	}
	if !found {
		return apperrors.New(apperrors.KindNotFound, opDelete, reasonNotFound, ErrUserNotFound)
	}
	s.logger.Info("user deleted", zap.String("user_id", normalize(id)))
	return nil
}

// SetRole changes the role of the account with the given username.
func (s *Service) SetRole(ctx context.Context, username string, role auth.Role) (User, error) {
	parsed, err := auth.ParseRole(string(role))
	if err != nil {
		return User{}, apperrors.New(apperrors.KindValidation, opSetRole, reasonInvalidInput, err)
	}
	user, err := s.store.FindByUsername(ctx, normalize(username))
	if errors.Is(err, ErrUserNotFound) {
		return User{}, apperrors.New(apperrors.KindNotFound, opSetRole, reasonNotFound, err)
	}
	if err != nil {
		return User{}, apperrors.New(apperrors.KindInternal, opSetRole, reasonStoreFailed, err)
	}
	if _, err := s.store.Update(ctx, user.ID, map[string]any{"role": string(parsed)}); err != nil {
		return User{}, apperrors.New(apperrors.KindInternal, opSetRole, reasonStoreFailed, err)
	}
	s.logger.Info("user role changed", zap.String("user_id", user.ID), zap.String("role", string(parsed)))
	return s.Get(ctx, user.ID)
}
