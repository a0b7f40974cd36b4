package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"code-sandbox/internal/api"
)

func runExec(_ *cobra.Command, args []string) error {
	var source string
	if len(args) > 0 {
		source = args[0]
	} else {
		var err error
		if source, err = readSource(nil); err != nil {
			return err
		}
	}

	resp, err := submitRemote(source)
	if err != nil {
		return err
	}
	printJSON(resp)

	// Exit with the sandbox exit code
	switch {
	case resp.Verdict.Kind != "safe":
		os.Exit(2)
	case resp.Result != nil && resp.Result.ExitStatus != 0:
		os.Exit(resp.Result.ExitStatus)
	}
	return nil
}

func remoteRequest() api.SubmissionRequest {
	var req api.SubmissionRequest
	if cpuSeconds > 0 || memoryMB > 0 || wallTimeout > 0 {
		req.Limits = &api.LimitsRequest{
			CPUSeconds:  cpuSeconds,
			MemoryBytes: memoryMB << 20,
			WallTimeout: api.Duration{Duration: wallTimeout},
		}
	}
	if mode := effectiveNetworkMode(); mode != "" {
		req.Network = &api.NetworkRequest{Mode: mode, AllowedHosts: allowedHosts}
	}
	return req
}

func submitRemote(source string) (*api.SubmissionResponse, error) {
	payload := remoteRequest()
	payload.Source = source
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(serverURL, "/")+"/submissions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return nil, fmt.Errorf("server returned %s", resp.Status)
		}
		return nil, fmt.Errorf("server returned %s: %s (%s)", resp.Status, apiErr.Error, apiErr.Code)
	}

	var result api.SubmissionResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &result, nil
}

func runHealth(_ *cobra.Command, _ []string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(strings.TrimRight(serverURL, "/") + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	var result api.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	printJSON(result)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}
