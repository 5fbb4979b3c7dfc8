package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	ory "github.com/ory/client-go"

	"finitefield.org/passvault/internal/passvault/config"
)

// Kratos UI message id for "The provided credentials are invalid".
const kratosInvalidCredentialsMessageID int64 = 4000006

// KratosBackend signs users in through an Ory Kratos native (API) login flow.
type KratosBackend struct {
	client *ory.APIClient
}

// NewKratosBackend builds a backend for the Kratos public API at publicURL.
func NewKratosBackend(publicURL string, httpClient *http.Client) (*KratosBackend, error) {
	publicURL = strings.TrimRight(strings.TrimSpace(publicURL), "/")
	if publicURL == "" {
		return nil, fmt.Errorf("%w: kratos public url is required", ErrNotConfigured)
	}
	conf := ory.NewConfiguration()
	conf.Servers = ory.ServerConfigurations{
		{URL: publicURL},
	}
	if httpClient != nil {
		conf.HTTPClient = httpClient
	}
	return &KratosBackend{client: ory.NewAPIClient(conf)}, nil
}

// NewKratosBackendFromConfig builds a backend from the loaded configuration.
func NewKratosBackendFromConfig(cfg config.KratosConfig) (*KratosBackend, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return NewKratosBackend(cfg.PublicURL, &http.Client{Timeout: timeout})
}

// Name implements Backend.
func (k *KratosBackend) Name() string { return "kratos" }

// SignIn implements Backend. An expired flow is retried once with a fresh one.
func (k *KratosBackend) SignIn(ctx context.Context, email, password string) (*Credential, error) {
	cred, err := k.signIn(ctx, email, password)
	var providerErr *ProviderError
	if errors.As(err, &providerErr) && providerErr.Message == "flow expired" {
		return k.signIn(ctx, email, password)
	}
	return cred, err
}

func (k *KratosBackend) signIn(ctx context.Context, email, password string) (*Credential, error) {
	flow, resp, err := k.client.FrontendAPI.CreateNativeLoginFlow(ctx).Execute()
	if err != nil {
		return nil, kratosError(resp, err)
	}

	body := ory.UpdateLoginFlowWithPasswordMethodAsUpdateLoginFlowBody(&ory.UpdateLoginFlowWithPasswordMethod{
		Method:     "password",
		Identifier: email,
		Password:   password,
	})

	result, resp, err := k.client.FrontendAPI.UpdateLoginFlow(ctx).
		Flow(flow.GetId()).
		UpdateLoginFlowBody(body).
		Execute()
	if err != nil {
		return nil, kratosError(resp, err)
	}

	session := result.GetSession()
	user := userFromIdentity(session.GetIdentity())
	if user.UID == "" {
		return nil, NewProviderError(CodeInternalError, "kratos session without identity", nil)
	}
	return &Credential{
		User:  user,
		Token: result.GetSessionToken(),
	}, nil
}

// Restore implements Backend.
func (k *KratosBackend) Restore(ctx context.Context, token string) (*User, error) {
	session, resp, err := k.client.FrontendAPI.ToSession(ctx).XSessionToken(token).Execute()
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, NewProviderError(CodeUserTokenExpired, "session inactive", err)
		}
		return nil, kratosError(resp, err)
	}
	if !session.GetActive() {
		return nil, NewProviderError(CodeUserTokenExpired, "session inactive", nil)
	}
	user := userFromIdentity(session.GetIdentity())
	if user.UID == "" {
		return nil, NewProviderError(CodeInternalError, "kratos session without identity", nil)
	}
	return user, nil
}

func userFromIdentity(identity ory.Identity) *User {
	user := &User{UID: identity.GetId()}
	if traits, ok := identity.GetTraits().(map[string]interface{}); ok {
		user.Email = claimString(traits["email"])
	}
	for _, address := range identity.GetVerifiableAddresses() {
		if user.Email != "" && !strings.EqualFold(address.GetValue(), user.Email) {
			continue
		}
		if address.GetVerified() {
			user.EmailVerified = true
			if user.Email == "" {
				user.Email = address.GetValue()
			}
			break
		}
	}
	return user
}

// kratosError maps a failed Kratos call onto a provider code.
func kratosError(resp *http.Response, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NewProviderError(CodeNetworkRequestFailed, "", err)
	}
	if resp == nil {
		return NewProviderError(CodeNetworkRequestFailed, "", err)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		return NewProviderError(CodeTooManyRequests, "", err)
	case http.StatusGone:
		return NewProviderError(CodeInternalError, "flow expired", err)
	case http.StatusBadRequest:
		if slices.Contains(rejectedFlowMessageIDs(err), kratosInvalidCredentialsMessageID) {
			return NewProviderError(CodeInvalidCredential, "", err)
		}
		return NewProviderError(CodeInvalidEmail, "", err)
	}
	return NewProviderError(CodeInternalError, fmt.Sprintf("kratos status %d", resp.StatusCode), err)
}

// rejectedFlowMessageIDs collects the UI message ids of the login flow Kratos
// sends back with a 400.
func rejectedFlowMessageIDs(err error) []int64 {
	var genericErr *ory.GenericOpenAPIError
	if !errors.As(err, &genericErr) {
		return nil
	}
	switch model := genericErr.Model().(type) {
	case ory.LoginFlow:
		return flowMessageIDs(model.Ui)
	case *ory.LoginFlow:
		if model != nil {
			return flowMessageIDs(model.Ui)
		}
	}

	// The generated model rejects partial payloads; only the ids matter here.
	var payload struct {
		UI struct {
			Messages []struct {
				ID int64 `json:"id"`
			} `json:"messages"`
			Nodes []struct {
				Messages []struct {
					ID int64 `json:"id"`
				} `json:"messages"`
			} `json:"nodes"`
		} `json:"ui"`
	}
	if jsonErr := json.Unmarshal(genericErr.Body(), &payload); jsonErr != nil {
		return nil
	}
	var ids []int64
	for _, msg := range payload.UI.Messages {
		ids = append(ids, msg.ID)
	}
	for _, node := range payload.UI.Nodes {
		for _, msg := range node.Messages {
			ids = append(ids, msg.ID)
		}
	}
	return ids
}

func flowMessageIDs(ui ory.UiContainer) []int64 {
	var ids []int64
	for _, msg := range ui.Messages {
		ids = append(ids, msg.Id)
	}
	for _, node := range ui.Nodes {
		for _, msg := range node.Messages {
			ids = append(ids, msg.Id)
		}
	}
	return ids
}
