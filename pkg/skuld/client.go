package skuld

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

var (
	ErrNoBaseUrl = fmt.Errorf("API server address is not set")
)

// ApiClientConfig is a set of options to connect to the API server
type ApiClientConfig struct {
	ApiServerAddress string        `help:"URL address of the API server" default:"http://localhost:8080/" env:"SKULD_API_URL"`
	ApiKey           string        `help:"API key to authenticate requests with" env:"SKULD_API_KEY"`
	AccountID        string        `help:"Account ID the checks are run on behalf of" env:"SKULD_ACCOUNT_ID"`
	RequestTimeout   time.Duration `help:"Maximum duration of a single API request" default:"30s"`
}

func (c ApiClientConfig) NewClient() (*RestApiClient, error) {
	return NewRestApiClient(c.ApiServerAddress, c.ApiKey, c.AccountID, &http.Client{Timeout: c.RequestTimeout})
}

// RestApiClient talks to the REST API to schedule checks and fetch supplementary result data
type RestApiClient struct {
	baseUrl    *url.URL
	httpClient *http.Client
	apiKey     string
	accountID  string
}

func NewRestApiClient(baseUrl, apiKey, accountID string, httpClient *http.Client) (*RestApiClient, error) {
	if baseUrl == "" {
		return nil, ErrNoBaseUrl
	}

	url, err := url.Parse(baseUrl)
	if err != nil {
		return nil, fmt.Errorf("invalid API server address %q: %w", baseUrl, err)
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}

	return &RestApiClient{
		baseUrl:    url,
		httpClient: httpClient,
		apiKey:     apiKey,
		accountID:  accountID,
	}, nil
}

// ApiError is returned when the server responds with a non-successful status code
type ApiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Code, e.Message)
}

type createSessionRequest struct {
	SuiteID SuiteID `json:"checkRunSuiteId"`
	Checks  []Check `json:"checks"`
}

// NewSessionScheduler returns a Scheduler that creates a test session with the given checks
func (c *RestApiClient) NewSessionScheduler(checks []Check) Scheduler {
	return SchedulerFunc(func(ctx context.Context, suiteID SuiteID) (ScheduledBatch, error) {
		return c.CreateSession(ctx, suiteID, checks)
	})
}

// CreateSession asks the server to run given checks, results of which will be published under suiteID
func (c *RestApiClient) CreateSession(ctx context.Context, suiteID SuiteID, checks []Check) (result ScheduledBatch, err error) {
	data, err := json.Marshal(createSessionRequest{
		SuiteID: suiteID,
		Checks:  checks,
	})
	if err != nil {
		return result, err
	}

	resp, err := c.do(ctx, http.MethodPost, urlForPath(c.baseUrl, "v1/check-sessions", nil), bytes.NewReader(data))
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusCreated {
		return result, readApiError(resp)
	}

	err = json.NewDecoder(resp.Body).Decode(&result)
	return
}

func (c *RestApiClient) GetLogs(ctx context.Context, region, assetPath string) (json.RawMessage, error) {
	return c.getAsset(ctx, region, "logs", assetPath)
}

func (c *RestApiClient) GetCheckRunData(ctx context.Context, region, assetPath string) (json.RawMessage, error) {
	return c.getAsset(ctx, region, "check-run-data", assetPath)
}

func (c *RestApiClient) getAsset(ctx context.Context, region, kind, assetPath string) (json.RawMessage, error) {
	query := url.Values{}
	query.Set("path", assetPath)

	resp, err := c.do(ctx, http.MethodGet, urlForPath(c.baseUrl, path.Join("v1/assets", region, kind), query), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readApiError(resp)
	}

	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s asset: %w", kind, err)
	}

	return json.RawMessage(content), nil
}

func (c *RestApiClient) GetResultShortLinks(ctx context.Context, sessionID, testResultID string) (*ResultLinks, error) {
	apiPath := path.Join("v1/test-sessions", sessionID, "results", testResultID, "links")
	resp, err := c.do(ctx, http.MethodGet, urlForPath(c.baseUrl, apiPath, nil), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, readApiError(resp)
	}

	var links ResultLinks
	if err := json.NewDecoder(resp.Body).Decode(&links); err != nil {
		return nil, err
	}

	return &links, nil
}

func (c *RestApiClient) do(ctx context.Context, method string, apiUrl *url.URL, body io.Reader) (*http.Response, error) {
	request, err := http.NewRequestWithContext(ctx, method, apiUrl.String(), body)
	if err != nil {
		return nil, err
	}
	request.Header.Add("Accept", "application/json")
	if body != nil {
		request.Header.Add("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		request.Header.Add("Authorization", fmt.Sprintf("Bearer %v", c.apiKey))
	}
	if c.accountID != "" {
		request.Header.Add("X-Account-Id", c.accountID)
	}

	return c.httpClient.Do(request)
}

func readApiError(resp *http.Response) error {
	apiError := &ApiError{
		Code:    resp.StatusCode,
		Message: resp.Status,
	}

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		// Failed to unmarshal error message, fallback to HTTP status code
		_ = json.NewDecoder(resp.Body).Decode(apiError)
		apiError.Code = resp.StatusCode
	}

	return apiError
}

func urlForPath(baseUrl *url.URL, apiPath string, query url.Values) *url.URL {
	rawQuery := ""
	if query != nil {
		rawQuery = query.Encode()
	}

	return &url.URL{
		Scheme:   baseUrl.Scheme,
		Opaque:   baseUrl.Opaque,
		User:     baseUrl.User,
		Host:     baseUrl.Host,
		Path:     path.Join(baseUrl.Path, "api", apiPath),
		RawQuery: rawQuery,
	}
}
