// Package moonraker queries the host printer service for its
// configured MCU set. That set disambiguates generic serial nodes from
// actual MCUs and enriches CAN discovery with section names.
package moonraker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const DefaultURL = "http://127.0.0.1:7125"

// MCU is one configured MCU section from the printer config.
type MCU struct {
	// Name is the config section, e.g. "mcu" or "mcu toolhead".
	Name string
	// Active is true when the MCU currently reports a connected bus or
	// a running firmware version.
	Active bool
}

// Client talks to Moonraker. All queries run with a short timeout and
// degrade to empty results when the service is stopped, which is the
// normal state during a batch flash.
type Client struct {
	logger  *slog.Logger
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		logger:  logger.With("service", "[MOONRAKER]"),
		baseURL: baseURL,
		http:    &http.Client{Timeout: 2 * time.Second},
	}
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
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
		return fmt.Errorf("moonraker returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type queryResponse struct {
	Result struct {
		Status map[string]json.RawMessage `json:"status"`
	} `json:"result"`
}

type listResponse struct {
	Result struct {
		Objects []string `json:"objects"`
	} `json:"result"`
}

// ConfiguredMCUs returns the configured MCU set keyed by identifier
// (canbus_uuid, lowercased, or serial path). Failures yield an empty
// map: a stopped Moonraker just means nothing is configured-and-active.
func (c *Client) ConfiguredMCUs(ctx context.Context) map[string]MCU {
	mcus := map[string]MCU{}

	var cfgResp queryResponse
	if err := c.getJSON(ctx, "/printer/objects/query?configfile", &cfgResp); err != nil {
		c.logger.Debug("configfile query failed", "err", err)
		return mcus
	}
	var configfile struct {
		Config map[string]map[string]any `json:"config"`
	}
	if raw, ok := cfgResp.Result.Status["configfile"]; ok {
		if err := json.Unmarshal(raw, &configfile); err != nil {
			c.logger.Debug("configfile decode failed", "err", err)
			return mcus
		}
	}

	canStats, mcuStatus := c.objectStatus(ctx)

	for section, values := range configfile.Config {
		identifier := ""
		if uuid, ok := values["canbus_uuid"].(string); ok {
			identifier = strings.ToLower(strings.TrimSpace(uuid))
		} else if serial, ok := values["serial"].(string); ok {
			identifier = strings.TrimSpace(serial)
		}
		if identifier == "" {
			continue
		}

		active := false
		statsKey := section
		if strings.HasPrefix(section, "mcu ") {
			statsKey = strings.TrimSpace(section[4:])
		}
		if st, ok := canStats[statsKey]; ok && st == "Connected" {
			active = true
		} else if st, ok := canStats[identifier]; ok && st == "Connected" {
			active = true
		}
		if !active {
			if version, ok := mcuStatus[section]; ok && version != "" {
				active = true
			}
		}
		mcus[identifier] = MCU{Name: section, Active: active}
	}
	return mcus
}

// objectStatus collects canbus_stats bus states and mcu firmware
// versions in one bulk query.
func (c *Client) objectStatus(ctx context.Context) (canStats map[string]string, mcuVersions map[string]string) {
	canStats = map[string]string{}
	mcuVersions = map[string]string{}

	var list listResponse
	if err := c.getJSON(ctx, "/printer/objects/list", &list); err != nil {
		return canStats, mcuVersions
	}
	var query []string
	for _, obj := range list.Result.Objects {
		if strings.HasPrefix(obj, "canbus_stats") || strings.HasPrefix(obj, "mcu") {
			query = append(query, url.QueryEscape(obj))
		}
	}
	if len(query) == 0 {
		return canStats, mcuVersions
	}

	var resp queryResponse
	if err := c.getJSON(ctx, "/printer/objects/query?"+strings.Join(query, "&"), &resp); err != nil {
		return canStats, mcuVersions
	}
	for name, raw := range resp.Result.Status {
		if strings.HasPrefix(name, "canbus_stats") {
			var st struct {
				BusState string `json:"bus_state"`
			}
			if json.Unmarshal(raw, &st) == nil {
				section := strings.TrimSpace(strings.TrimPrefix(name, "canbus_stats"))
				canStats[section] = st.BusState
			}
		} else if strings.HasPrefix(name, "mcu") {
			var st struct {
				Version string `json:"mcu_version"`
			}
			if json.Unmarshal(raw, &st) == nil {
				mcuVersions[name] = st.Version
			}
		}
	}
	return canStats, mcuVersions
}

// MCUVersions returns the running firmware version per identifier and
// per section name, for the fleet live_version column.
func (c *Client) MCUVersions(ctx context.Context) map[string]string {
	versions := map[string]string{}

	var cfgResp queryResponse
	if err := c.getJSON(ctx, "/printer/objects/query?configfile", &cfgResp); err != nil {
		return versions
	}
	var configfile struct {
		Config map[string]map[string]any `json:"config"`
	}
	if raw, ok := cfgResp.Result.Status["configfile"]; ok {
		if err := json.Unmarshal(raw, &configfile); err != nil {
			return versions
		}
	}
	_, mcuVersions := c.objectStatus(ctx)
	for section, version := range mcuVersions {
		if version == "" {
			continue
		}
		versions[section] = version
		values, ok := configfile.Config[section]
		if !ok {
			continue
		}
		if uuid, ok := values["canbus_uuid"].(string); ok {
			versions[strings.ToLower(strings.TrimSpace(uuid))] = version
		} else if serial, ok := values["serial"].(string); ok {
			versions[strings.TrimSpace(serial)] = version
		}
	}
	return versions
}

// FirmwareRestart asks Klipper to restart its firmware connections
// after devices return to service.
func (c *Client) FirmwareRestart(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/printer/gcode/script?script=FIRMWARE_RESTART", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
