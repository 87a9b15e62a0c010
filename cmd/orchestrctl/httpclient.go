package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/viper"
)

func serverURL() string {
	return viper.GetString("server")
}

func httpClient() *http.Client {
	timeout := viper.GetDuration("timeout")
	return &http.Client{Timeout: timeout}
}

// doRequest issues method against path (relative to the configured server)
// with an optional JSON body, and decodes a successful response into out.
func doRequest(method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("orchestrctl: encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL()+path, reqBody)
	if err != nil {
		return fmt.Errorf("orchestrctl: build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("orchestrctl: request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("orchestrctl: read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("orchestrctl: %s %s: %s: %s", method, path, resp.Status, string(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("orchestrctl: decode response: %w", err)
	}
	return nil
}
