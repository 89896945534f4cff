package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the HTTP client of the configuration broker, used by the
// other processes of the application.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the broker API at baseURL
// (ex: "http://127.0.0.1:8730").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.Error != "" {
		return fmt.Errorf("broker: %s (HTTP %d)", payload.Error, resp.StatusCode)
	}
	return fmt.Errorf("broker: HTTP %d", resp.StatusCode)
}

// IsReady tells if the broker configuration is loaded.
func (c *Client) IsReady(ctx context.Context) (bool, error) {
	var payload struct {
		Ready bool `json:"ready"`
	}
	if err := c.get(ctx, "/api/v1/ready", &payload); err != nil {
		return false, err
	}
	return payload.Ready, nil
}

// GetCoordinators returns the configured coordinator ids.
func (c *Client) GetCoordinators(ctx context.Context) ([]string, error) {
	var ids []string
	err := c.get(ctx, "/api/v1/coordinators", &ids)
	return ids, err
}

// GetCoordinator returns the own properties of a coordinator.
func (c *Client) GetCoordinator(ctx context.Context, cid string) (map[string]any, error) {
	var props map[string]any
	err := c.get(ctx, "/api/v1/coordinators/"+url.PathEscape(cid), &props)
	return props, err
}

// GetCoordinatorDevices returns the local device ids of a coordinator.
func (c *Client) GetCoordinatorDevices(ctx context.Context, cid string) ([]string, error) {
	var ids []string
	err := c.get(ctx, "/api/v1/coordinators/"+url.PathEscape(cid)+"/devices", &ids)
	return ids, err
}

// GetDevice returns the full representation of a device.
func (c *Client) GetDevice(ctx context.Context, cid, did string) (map[string]any, error) {
	var dev map[string]any
	err := c.get(ctx, "/api/v1/coordinators/"+url.PathEscape(cid)+"/devices/"+url.PathEscape(did), &dev)
	return dev, err
}

// GetDeviceByUID is GetDevice keyed by "<cid>/<did>".
func (c *Client) GetDeviceByUID(ctx context.Context, uid string) (map[string]any, error) {
	cid, did, ok := strings.Cut(uid, "/")
	if !ok {
		return nil, fmt.Errorf("invalid device uid (%s)", uid)
	}
	return c.GetDevice(ctx, cid, did)
}

// GetFullConfiguration returns the whole configuration tree.
func (c *Client) GetFullConfiguration(ctx context.Context) (map[string]any, error) {
	var cfg map[string]any
	err := c.get(ctx, "/api/v1/configuration", &cfg)
	return cfg, err
}

// GetCoordinatorTypes returns the known coordinator types.
func (c *Client) GetCoordinatorTypes(ctx context.Context) ([]string, error) {
	var types []string
	err := c.get(ctx, "/api/v1/metadata/coordinators", &types)
	return types, err
}

// GetCoordinatorMetadata returns the metadata of a coordinator type.
func (c *Client) GetCoordinatorMetadata(ctx context.Context, ctype string) (map[string]any, error) {
	var meta map[string]any
	err := c.get(ctx, "/api/v1/metadata/coordinators/"+url.PathEscape(ctype), &meta)
	return meta, err
}

// GetDeviceTypes returns the device types of a coordinator type.
func (c *Client) GetDeviceTypes(ctx context.Context, ctype string) ([]string, error) {
	var types []string
	err := c.get(ctx, "/api/v1/metadata/coordinators/"+url.PathEscape(ctype)+"/devices", &types)
	return types, err
}

// GetDeviceMetadata returns the metadata of a fully qualified device
// type.
func (c *Client) GetDeviceMetadata(ctx context.Context, fqdt string) (map[string]any, error) {
	ctype, dtype, ok := strings.Cut(fqdt, ":")
	if !ok {
		return nil, fmt.Errorf("invalid fully qualified device type (%s)", fqdt)
	}
	var meta map[string]any
	err := c.get(ctx, "/api/v1/metadata/devices/"+url.PathEscape(ctype)+"/"+url.PathEscape(dtype), &meta)
	return meta, err
}

// NotifyConfigurationChange posts a changed signal to the broker.
func (c *Client) NotifyConfigurationChange(ctx context.Context, chgtype, resid string) error {
	raw, err := json.Marshal(ChangeNotification{ChgType: chgtype, ResID: resid})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/changes", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

// WatchChanges subscribes to the broker change feed. Notifications are
// delivered to the handler until the context is cancelled or the feed
// breaks.
func (c *Client) WatchChanges(ctx context.Context, handler ChangeHandler) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/changes/feed", nil)
	if err != nil {
		return err
	}

	// the feed is long lived: bypass the client timeout
	feedClient := &http.Client{}
	resp, err := feedClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var change ChangeNotification
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &change); err != nil {
			continue
		}
		handler(change.ChgType, change.ResID)
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil && err != io.EOF {
		return err
	}
	return nil
}
