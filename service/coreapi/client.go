package coreapi

import (
	"bytes"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dukapos/service-mpesa/service/models"
)

// Client talks to the provider's Daraja API. The HTTP timeout bounds the
// outbound call and is deliberately shorter than the confirmation window.
type Client struct {
	ShortCode      string
	ConsumerKey    string
	ConsumerSecret string
	PassKey        string
	HttpClient     *http.Client //nolint:staticcheck // API field name
	Env            string
}

const timestampLayout = "20060102150405"

// New creates a new instance of the provider API client.
func New(shortCode, consumerKey, consumerSecret, passKey, env string) *Client {
	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:       10,
		IdleConnTimeout:    30 * time.Second,
		DisableCompression: true,
	}

	httpClient := &http.Client{
		Transport: tr,
		Timeout:   30 * time.Second,
	}

	return &Client{
		ShortCode:      shortCode,
		ConsumerKey:    consumerKey,
		ConsumerSecret: consumerSecret,
		PassKey:        passKey,
		HttpClient:     httpClient,
		Env:            env,
	}
}

// AccessTokenResponse represents the response structure for token generation.
type AccessTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// GenerateAccessToken obtains an OAuth token using the consumer credentials.
func (c *Client) GenerateAccessToken() (*AccessTokenResponse, error) {
	url := fmt.Sprintf("%s/oauth/v1/generate?grant_type=client_credentials", c.Env)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	credentials := base64.StdEncoding.EncodeToString(
		[]byte(c.ConsumerKey + ":" + c.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+credentials)

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			fmt.Printf("failed to close response body: %v\n", closeErr)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to generate token: %s, body: %s", resp.Status, string(respBody))
	}

	var tokenResponse AccessTokenResponse
	if err := json.Unmarshal(respBody, &tokenResponse); err != nil {
		return nil, err
	}
	return &tokenResponse, nil
}

// stkPassword is base64(shortcode + passkey + timestamp) per the provider's
// password convention.
func (c *Client) stkPassword(timestamp string) string {
	return base64.StdEncoding.EncodeToString(
		[]byte(c.ShortCode + c.PassKey + timestamp))
}

// InitiateSTKPush sends a direct push charge request. The caller fills the
// business fields; the client owns password, timestamp and short code.
func (c *Client) InitiateSTKPush(request models.STKPushRequest, accessToken string) (*models.STKPushResponse, error) {
	url := fmt.Sprintf("%s/mpesa/stkpush/v1/processrequest", c.Env)

	timestamp := time.Now().Format(timestampLayout)
	request.BusinessShortCode = c.ShortCode
	request.PartyB = c.ShortCode
	request.Timestamp = timestamp
	request.Password = c.stkPassword(timestamp)
	if request.TransactionType == "" {
		request.TransactionType = models.TransactionTypePayBill
	}

	jsonBody, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			fmt.Printf("failed to close response body: %v\n", closeErr)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var pushResponse models.STKPushResponse
	if unmarshalErr := json.Unmarshal(respBody, &pushResponse); unmarshalErr != nil {
		return nil, fmt.Errorf(
			"failed to parse response: %w (status: %s, body: %s)",
			unmarshalErr,
			resp.Status,
			string(respBody),
		)
	}

	if resp.StatusCode != http.StatusOK {
		return &pushResponse, fmt.Errorf("stk push rejected: %s, body: %s", resp.Status, string(respBody))
	}

	return &pushResponse, nil
}

// RegisterC2BURLs registers the validation and confirmation callbacks for
// till payments. Required once per short code before C2B traffic flows.
func (c *Client) RegisterC2BURLs(request models.C2BRegisterRequest, accessToken string) (*models.C2BRegisterResponse, error) {
	url := fmt.Sprintf("%s/mpesa/c2b/v1/registerurl", c.Env)

	request.ShortCode = c.ShortCode
	if request.ResponseType == "" {
		request.ResponseType = models.C2BResponseTypeComplete
	}

	jsonBody, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			fmt.Printf("failed to close response body: %v\n", closeErr)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to register c2b urls: %s, body: %s", resp.Status, string(respBody))
	}

	var registerResponse models.C2BRegisterResponse
	if unmarshalErr := json.Unmarshal(respBody, &registerResponse); unmarshalErr != nil {
		return nil, fmt.Errorf(
			"failed to parse response: %w (status: %s, body: %s)",
			unmarshalErr,
			resp.Status,
			string(respBody),
		)
	}

	return &registerResponse, nil
}
