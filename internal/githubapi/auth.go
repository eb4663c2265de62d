package githubapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v75/github"
)

const userAgent = "devpulse"

// AuthConfig configures the HTTP client used for GitHub API reads.
type AuthConfig struct {
	// AppID and InstallationID select GitHub App installation auth. Zero AppID means anonymous.
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
	Timeout        time.Duration
	// BaseTransport sits under the app transport, so it sees API and token-exchange responses.
	BaseTransport http.RoundTripper
}

// NewHTTPClient creates the API HTTP client, authenticated as an App installation when configured.
func NewHTTPClient(cfg AuthConfig) (*http.Client, error) {
	baseTransport := cfg.BaseTransport
	if baseTransport == nil {
		baseTransport = http.DefaultTransport
	}
	if cfg.AppID == 0 {
		return &http.Client{Transport: baseTransport, Timeout: cfg.Timeout}, nil
	}
	if cfg.AppID < 0 {
		return nil, fmt.Errorf("app id must be > 0")
	}
	if cfg.InstallationID <= 0 {
		return nil, fmt.Errorf("installation id must be > 0")
	}
	if strings.TrimSpace(cfg.PrivateKeyPath) == "" {
		return nil, fmt.Errorf("private key path is required")
	}

	transport, err := ghinstallation.NewKeyFromFile(baseTransport, cfg.AppID, cfg.InstallationID, cfg.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("create github app transport: %w", err)
	}
	return &http.Client{Transport: transport, Timeout: cfg.Timeout}, nil
}

// NewRESTClient creates a go-github client with an optional API base URL override (GitHub Enterprise).
func NewRESTClient(httpClient *http.Client, apiBaseURL string) (*github.Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	client := github.NewClient(httpClient)
	client.UserAgent = userAgent
	trimmedBaseURL := strings.TrimSpace(apiBaseURL)
	if trimmedBaseURL == "" {
		return client, nil
	}

	parsedURL, err := url.Parse(trimmedBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse github api base url: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("parse github api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsedURL.Path, "/") {
		parsedURL.Path += "/"
	}
	client.BaseURL = parsedURL
	return client, nil
}
