// Package backup implements server-side key backup: creating and trusting
// backup versions, uploading group session keys encrypted to the backup
// public key, and restoring them with a recovery key or passphrase.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/decred/slog"
)

// ErrNotFound is returned when the server has no backup version or no
// stored keys for a request.
var ErrNotFound = errors.New("backup: not found")

// ServerError is a Matrix error response from the homeserver.
type ServerError struct {
	Status  int
	Code    string `json:"errcode"`
	Message string `json:"error"`
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("backup: server returned %d %s: %s", e.Status, e.Code, e.Message)
}

// The server rejects uploads to a superseded backup version with this
// errcode.
const errWrongRoomKeysVersion = "M_WRONG_ROOM_KEYS_VERSION"

// AuthData is the auth_data of an m.megolm_backup.v1.curve25519-aes-sha2
// backup version.
type AuthData struct {
	PublicKey            string                       `json:"public_key"`
	PrivateKeySalt       string                       `json:"private_key_salt,omitempty"`
	PrivateKeyIterations int                          `json:"private_key_iterations,omitempty"`
	Signatures           map[string]map[string]string `json:"signatures,omitempty"`
}

// VersionResult describes one backup version on the server.
type VersionResult struct {
	Algorithm string    `json:"algorithm"`
	AuthData  *AuthData `json:"auth_data"`
	Count     int       `json:"count"`
	Etag      string    `json:"etag"`
	Version   string    `json:"version"`
}

// KeyBackupData is one encrypted session in the backup.
type KeyBackupData struct {
	FirstMessageIndex int             `json:"first_message_index"`
	ForwardedCount    int             `json:"forwarded_count"`
	IsVerified        bool            `json:"is_verified"`
	SessionData       json.RawMessage `json:"session_data"`
}

// RoomKeysBackupData groups backed-up sessions by session ID.
type RoomKeysBackupData struct {
	Sessions map[string]KeyBackupData `json:"sessions"`
}

// KeysBackupData is the full upload/download payload, grouped by room.
type KeysBackupData struct {
	Rooms map[string]RoomKeysBackupData `json:"rooms"`
}

// Client talks to the homeserver's /room_keys API. Requests hitting a 429
// are retried with backoff, honoring Retry-After.
type Client struct {
	baseURL     string
	accessToken string
	http        *http.Client
	log         slog.Logger
}

// NewClient creates a backup API client for a homeserver.
func NewClient(baseURL, accessToken string, log slog.Logger) *Client {
	if log == nil {
		log = slog.Disabled
	}
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		http:        &http.Client{Timeout: 2 * time.Minute},
		log:         log,
	}
}

const versionPath = "/_matrix/client/v3/room_keys/version"
const keysPath = "/_matrix/client/v3/room_keys/keys"

// do executes a request with bearer auth, retrying on 429.
func (c *Client) do(ctx context.Context, method, path string, body any, result any) error {
	const maxRetries = 3

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("backup: marshal request: %w", err)
		}
	}

	for attempt := range maxRetries + 1 {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("backup: new request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("backup: read response: %w", err)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt < maxRetries {
			wait := time.Duration(5<<attempt) * time.Second
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
					wait = time.Duration(secs) * time.Second
				}
			}
			c.log.Debugf("http %s %s -> 429, retrying in %v", method, path, wait)
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		c.log.Debugf("http %s %s -> %d", method, path, resp.StatusCode)
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return ErrNotFound
		case resp.StatusCode >= 400:
			serr := &ServerError{Status: resp.StatusCode}
			if err := json.Unmarshal(respBody, serr); err != nil || serr.Code == "" {
				return fmt.Errorf("backup: %s %s: status %d: %s", method, path, resp.StatusCode, respBody)
			}
			return serr
		}
		if result != nil && len(respBody) > 0 {
			if err := json.Unmarshal(respBody, result); err != nil {
				return fmt.Errorf("backup: unmarshal response: %w", err)
			}
		}
		return nil
	}
	return fmt.Errorf("backup: retry loop exhausted")
}

// CurrentVersion returns the server's current backup version, or
// ErrNotFound when no backup exists.
func (c *Client) CurrentVersion(ctx context.Context) (*VersionResult, error) {
	var v VersionResult
	if err := c.do(ctx, http.MethodGet, versionPath, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVersion returns one specific backup version.
func (c *Client) GetVersion(ctx context.Context, version string) (*VersionResult, error) {
	var v VersionResult
	path := versionPath + "/" + url.PathEscape(version)
	if err := c.do(ctx, http.MethodGet, path, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

// CreateVersion creates a new backup version and returns its identifier.
func (c *Client) CreateVersion(ctx context.Context, algorithm string, authData *AuthData) (string, error) {
	body := map[string]any{
		"algorithm": algorithm,
		"auth_data": authData,
	}
	var result struct {
		Version string `json:"version"`
	}
	if err := c.do(ctx, http.MethodPost, versionPath, body, &result); err != nil {
		return "", err
	}
	return result.Version, nil
}

// UpdateVersion replaces a version's auth data, typically to add our
// signature when trusting an existing backup.
func (c *Client) UpdateVersion(ctx context.Context, version, algorithm string, authData *AuthData) error {
	body := map[string]any{
		"algorithm": algorithm,
		"auth_data": authData,
		"version":   version,
	}
	path := versionPath + "/" + url.PathEscape(version)
	return c.do(ctx, http.MethodPut, path, body, nil)
}

// DeleteVersion deletes a backup version and all its keys.
func (c *Client) DeleteVersion(ctx context.Context, version string) error {
	path := versionPath + "/" + url.PathEscape(version)
	err := c.do(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// SendKeys uploads a batch of encrypted sessions to a backup version.
func (c *Client) SendKeys(ctx context.Context, version string, keys *KeysBackupData) error {
	path := keysPath + "?version=" + url.QueryEscape(version)
	return c.do(ctx, http.MethodPut, path, keys, nil)
}

// GetKeys downloads every backed-up session of a version.
func (c *Client) GetKeys(ctx context.Context, version string) (*KeysBackupData, error) {
	var keys KeysBackupData
	path := keysPath + "?version=" + url.QueryEscape(version)
	if err := c.do(ctx, http.MethodGet, path, nil, &keys); err != nil {
		return nil, err
	}
	return &keys, nil
}
