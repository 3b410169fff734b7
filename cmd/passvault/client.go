package main

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/org/passvault/pkg/models"
)

// apiError is a decoded error envelope.
type apiError struct {
	Status int
	Code   string
	Msg    string
}

func (e *apiError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return e.Msg
}

// Client is an HTTP client for the passvault API.
type Client struct {
	addr string
	http *http.Client
}

// newClient creates a Client from the current config.
func newClient() *Client {
	addr := cfg.Address
	if v := os.Getenv("PASSVAULT_ADDR"); v != "" {
		addr = v
	}
	caCert := cfg.TLSCACert
	if v := os.Getenv("PASSVAULT_CACERT"); v != "" {
		caCert = v
	}

	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if caCert != "" {
		data, err := os.ReadFile(caCert)
		if err == nil {
			pool := x509.NewCertPool()
			pool.AppendCertsFromPEM(data)
			tlsCfg.RootCAs = pool
		}
	}

	httpClient := &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}
	return &Client{addr: addr, http: httpClient}
}

func (c *Client) send(method, path, token string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.addr+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "passvault-cli")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return c.http.Do(req)
}

// call performs an unauthenticated request and decodes the data field into
// out (which may be nil).
func (c *Client) call(method, path string, body, out any) error {
	resp, err := c.send(method, path, "", body)
	if err != nil {
		return err
	}
	return parseResponse(resp, out)
}

// authed performs a request with the stored access token. An expired token
// is refreshed once and the request retried.
func (c *Client) authed(method, path string, body, out any) error {
	if cfg.AccessToken == "" {
		return errors.New("not logged in; run 'passvault login'")
	}
	resp, err := c.send(method, path, cfg.AccessToken, body)
	if err != nil {
		return err
	}
	err = parseResponse(resp, out)
	var ae *apiError
	if !errors.As(err, &ae) || ae.Code != "token_expired" || cfg.RefreshToken == "" {
		return err
	}
	if err := c.refresh(); err != nil {
		return err
	}
	resp, err = c.send(method, path, cfg.AccessToken, body)
	if err != nil {
		return err
	}
	return parseResponse(resp, out)
}

// refresh trades the stored refresh token for a new pair and saves it.
func (c *Client) refresh() error {
	var pair models.TokenResponse
	if err := c.call(http.MethodPost, "/api/auth/refresh", models.RefreshRequest{RefreshToken: cfg.RefreshToken}, &pair); err != nil {
		return fmt.Errorf("refreshing session: %w", err)
	}
	cfg.AccessToken = pair.AccessToken
	cfg.RefreshToken = pair.RefreshToken
	return saveConfig()
}

func parseResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var env struct {
			Errors []string `json:"errors"`
			Code   string   `json:"code"`
		}
		ae := &apiError{Status: resp.StatusCode}
		if json.Unmarshal(data, &env) == nil {
			ae.Code = env.Code
			if len(env.Errors) > 0 {
				ae.Msg = env.Errors[0]
			}
		}
		return ae
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, data)
	}
	return json.Unmarshal(env.Data, out)
}
