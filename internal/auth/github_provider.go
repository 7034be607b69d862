package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
)

const (
	// ProviderGitHub names the GitHub OAuth provider.
	ProviderGitHub      = "github"
	defaultGitHubAPIURL = "https://api.github.com"
	githubEmailScope    = "user:email"
)

var (
	// ErrInvalidProfile indicates that a provider profile failed boundary validation.
	ErrInvalidProfile        = errors.New("auth: invalid oauth profile")
	ErrInvalidProviderConfig = errors.New("auth: invalid oauth provider config")
	errMissingClientID       = errors.New("client id required")
	errMissingClientSecret   = errors.New("client secret required")
	errMissingCallbackURL    = errors.New("callback url required")
	errMissingAuthCode       = errors.New("authorization code required")
)

// OAuthProfile is the identity asserted by a third party after a completed handshake.
type OAuthProfile struct {
	SubjectID string
	Username  string
	Emails    []string
}

// Validate normalizes the profile in place and rejects profiles without a subject.
func (p *OAuthProfile) Validate() error {
	p.SubjectID = strings.TrimSpace(p.SubjectID)
	if p.SubjectID == "" {
		return fmt.Errorf("%w: missing subject", ErrInvalidProfile)
	}
	p.Username = strings.TrimSpace(p.Username)
	emails := make([]string, 0, len(p.Emails))
	seen := make(map[string]struct{}, len(p.Emails))
	for _, email := range p.Emails {
		normalized := strings.ToLower(strings.TrimSpace(email))
		if normalized == "" || !strings.Contains(normalized, "@") {
			continue
		}
		if _, duplicate := seen[normalized]; duplicate {
			continue
		}
		seen[normalized] = struct{}{}
		emails = append(emails, normalized)
	}
	p.Emails = emails
	return nil
}

// PrimaryEmail returns the first asserted email, if any.
func (p OAuthProfile) PrimaryEmail() string {
	if len(p.Emails) == 0 {
		return ""
	}
	return p.Emails[0]
}

// GitHubProviderConfig bundles configuration for the GitHub OAuth handshake.
type GitHubProviderConfig struct {
	ClientID     string
	ClientSecret string
	CallbackURL  string
	// Endpoint and APIBaseURL default to GitHub's public endpoints.
	Endpoint   oauth2.Endpoint
	APIBaseURL string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// GitHubProvider drives the GitHub authorization code flow and reads the resulting profile.
type GitHubProvider struct {
	oauthConfig oauth2.Config
	apiBaseURL  string
	httpClient  *http.Client
	logger      *zap.Logger
}

// NewGitHubProvider constructs a provider with validated configuration.
func NewGitHubProvider(cfg GitHubProviderConfig) (*GitHubProvider, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingClientID)
	}
	clientSecret := strings.TrimSpace(cfg.ClientSecret)
	if clientSecret == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingClientSecret)
	}
	callbackURL := strings.TrimSpace(cfg.CallbackURL)
	if callbackURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingCallbackURL)
	}

	endpoint := cfg.Endpoint
	if endpoint.AuthURL == "" || endpoint.TokenURL == "" {
		endpoint = github.Endpoint
	}
	apiBaseURL := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if apiBaseURL == "" {
		apiBaseURL = defaultGitHubAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GitHubProvider{
		oauthConfig: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  callbackURL,
			Endpoint:     endpoint,
			Scopes:       []string{githubEmailScope},
		},
		apiBaseURL: apiBaseURL,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Name returns the provider path segment.
func (p *GitHubProvider) Name() string {
	return ProviderGitHub
}

// AuthCodeURL returns the consent URL carrying state.
func (p *GitHubProvider) AuthCodeURL(state string) string {
	return p.oauthConfig.AuthCodeURL(state)
}

// Exchange trades the authorization code for an access token and returns the validated profile.
func (p *GitHubProvider) Exchange(ctx context.Context, code string) (OAuthProfile, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return OAuthProfile{}, errMissingAuthCode
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)

	token, err := p.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return OAuthProfile{}, fmt.Errorf("github code exchange: %w", err)
	}
	client := p.oauthConfig.Client(ctx, token)

	var user githubUser
	if err := p.getJSON(ctx, client, "/user", &user); err != nil {
		return OAuthProfile{}, err
	}

	profile := OAuthProfile{
		SubjectID: strconv.FormatInt(user.ID, 10),
		Username:  user.Login,
	}

	var addresses []githubEmail
	if err := p.getJSON(ctx, client, "/user/emails", &addresses); err != nil {
		// The public profile email is verified by GitHub before it can be made public.
		p.logger.Debug("github email listing unavailable", zap.Error(err))
		if user.Email != "" {
			profile.Emails = []string{user.Email}
		}
	} else {
		profile.Emails = verifiedEmails(addresses)
	}

	if user.ID == 0 {
		return OAuthProfile{}, fmt.Errorf("%w: missing subject", ErrInvalidProfile)
	}
	if err := profile.Validate(); err != nil {
		return OAuthProfile{}, err
	}
	return profile, nil
}

func (p *GitHubProvider) getJSON(ctx context.Context, client *http.Client, path string, target any) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/vnd.github+json")

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("github %s: %w", path, err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("github %s returned status %d", path, response.StatusCode)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("github %s: decode: %w", path, err)
	}
	return nil
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// verifiedEmails keeps verified addresses with the primary one first.
func verifiedEmails(addresses []githubEmail) []string {
	emails := make([]string, 0, len(addresses))
	for _, address := range addresses {
		if address.Verified && address.Primary {
			emails = append(emails, address.Email)
		}
	}
	for _, address := range addresses {
		if address.Verified && !address.Primary {
			emails = append(emails, address.Email)
		}
	}
	return emails
}
