package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/samsamfire/klipperfleet/pkg/fleet"
	"github.com/samsamfire/klipperfleet/pkg/task"
)

// Client talks to a running orchestrator API. It exists for scripting
// and for exercising the server in tests.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) get(path string, out any) error {
	resp, err := c.http.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func (c *Client) post(path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode >= 400 {
		var apiErr ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("api error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("api error (%d)", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Fleet fetches the registry with live statuses.
func (c *Client) Fleet(fast bool) ([]fleet.Device, error) {
	path := "/fleet"
	if fast {
		path += "?fast"
	}
	var resp FleetResponse
	if err := c.get(path, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// SaveDevice upserts a registry entry.
func (c *Client) SaveDevice(dev fleet.Device) error {
	return c.post("/fleet/device", dev, nil)
}

// RemoveDevice deletes a registry entry by id.
func (c *Client) RemoveDevice(id string) error {
	req, err := http.NewRequest(http.MethodDelete,
		c.baseURL+"/fleet/device?device_id="+url.QueryEscape(id), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, nil)
}

// Flash starts a single-device flash task.
func (c *Client) Flash(deviceID string) (string, error) {
	var resp TaskCreatedResponse
	if err := c.post("/flash", FlashRequest{DeviceID: deviceID}, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Reboot starts a mode transition task for one device.
func (c *Client) Reboot(deviceID, mode string) (string, error) {
	var resp TaskCreatedResponse
	if err := c.post("/flash/reboot", RebootRequest{DeviceID: deviceID, Mode: mode}, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Tasks lists all tasks, newest first.
func (c *Client) Tasks() ([]task.Task, error) {
	var list []task.Task
	if err := c.get("/tasks", &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Batch starts a batch task.
func (c *Client) Batch(action string) (string, error) {
	var resp TaskCreatedResponse
	if err := c.get("/batch/"+action, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// TaskStatus fetches a task snapshot.
func (c *Client) TaskStatus(id string) (task.Task, error) {
	var snap task.Task
	if err := c.get("/task/status/"+id, &snap); err != nil {
		return task.Task{}, err
	}
	return snap, nil
}

// CancelTask requests cooperative cancellation.
func (c *Client) CancelTask(id string) (bool, error) {
	var resp CancelResponse
	if err := c.post("/task/cancel/"+id, struct{}{}, &resp); err != nil {
		return false, err
	}
	return resp.Cancelled, nil
}
