package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/threesonic/scancore/internal/serialmgr"
)

// Client is an HTTP client dialed over the control plane's unix socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient builds a Client bound to socketPath.
func NewClient(socketPath string) *Client {
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

func (c *Client) Jog(direction string, step float64) error {
	body, _ := json.Marshal(jogRequest{Direction: direction, Step: step})
	resp, err := c.post("/jog", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) Home() error {
	resp, err := c.post("/home", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) InitPose() error {
	resp, err := c.post("/init", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) LowerPlate() error {
	resp, err := c.post("/pose/lower", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) PositionForScan() error {
	resp, err := c.post("/pose/scan", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) EmergencyStop() error {
	resp, err := c.post("/estop", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) ContinuousStart(direction string, feed float64, tickMS int) error {
	body, _ := json.Marshal(continuousRequest{Direction: direction, Feed: feed, TickMS: tickMS})
	resp, err := c.post("/continuous", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) ContinuousStop(direction string) error {
	body, _ := json.Marshal(continuousStopRequest{Direction: direction})
	resp, err := c.post("/continuous/stop", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) ScanPlan(x0, x1 *float64, mode string) (scanPlanResponse, error) {
	body, _ := json.Marshal(scanPlanRequest{X0: x0, X1: x1, Mode: mode})
	resp, err := c.post("/scan/plan", body)
	if err != nil {
		return scanPlanResponse{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return scanPlanResponse{}, err
	}
	var out scanPlanResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return scanPlanResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) ScanRun(x0, x1 *float64, mode string) (scanRunResponse, error) {
	body, _ := json.Marshal(scanRunRequest{scanPlanRequest{X0: x0, X1: x1, Mode: mode}})
	resp, err := c.post("/scan/run", body)
	if err != nil {
		return scanRunResponse{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return scanRunResponse{}, err
	}
	var out scanRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return scanRunResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) ScanMulti(x0, x1 *float64, mode string) (scanMultiResponse, error) {
	body, _ := json.Marshal(scanRunRequest{scanPlanRequest{X0: x0, X1: x1, Mode: mode}})
	resp, err := c.post("/scan/multi", body)
	if err != nil {
		return scanMultiResponse{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return scanMultiResponse{}, err
	}
	var out scanMultiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return scanMultiResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) Status() (statusResponse, error) {
	resp, err := c.get("/status")
	if err != nil {
		return statusResponse{}, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return statusResponse{}, err
	}
	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return statusResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

func (c *Client) Shutdown() error {
	resp, err := c.post("/shutdown", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusOK)
}

func (c *Client) History(limit int) ([]historyEntry, error) {
	path := "/history"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	resp, err := c.get(path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return nil, err
	}
	var out []historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out, nil
}

// Position implements recorder.PositionProvider against the daemon's
// GET /position route — the recorder runs as its own OS process and never
// opens a second serial connection (see DESIGN.md).
func (c *Client) Position(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://scancore/position", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return 0, err
	}
	var out positionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	x, ok := serialmgr.ParseAxis("X", out.Lines)
	if !ok {
		return 0, fmt.Errorf("no X position reported")
	}
	return x, nil
}

// HTTP helpers

func (c *Client) get(path string) (*http.Response, error) {
	return c.http.Get("http://scancore" + path)
}

func (c *Client) post(path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	return c.http.Post("http://scancore"+path, "application/json", r)
}

func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var errResp struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
}
