// Copyright (C) 2026 Zeecka (contact@aperisolve.com)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Zeecka/AperiSolve/pkg/ux"
	"github.com/Zeecka/AperiSolve/services/analysis/registry"
)

// submitPollInterval paces the --wait status loop.
const submitPollInterval = 2 * time.Second

// submitWaitTimeout gives up on --wait after the server-side job timeout
// plus queueing slack.
const submitWaitTimeout = 10 * time.Minute

var submitClient = &http.Client{Timeout: 30 * time.Second}

// apiError mirrors the web service's error envelope.
type apiError struct {
	Error string `json:"error"`
}

func postUpload(endpoint, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read image: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filepath.Base(path))
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if submitPassword != "" {
		if err := mw.WriteField("password", submitPassword); err != nil {
			return "", err
		}
	}
	if submitDeep {
		if err := mw.WriteField("deep", "true"); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	resp, err := submitClient.Post(endpoint+"/upload", mw.FormDataContentType(), &body)
	if err != nil {
		return "", fmt.Errorf("upload to %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return "", fmt.Errorf("upload rejected: %s", apiErr.Error)
		}
		return "", fmt.Errorf("upload rejected: %s", resp.Status)
	}

	var ok struct {
		SubmissionHash string `json:"submission_hash"`
	}
	if err := json.Unmarshal(raw, &ok); err != nil {
		return "", fmt.Errorf("decode upload response: %w", err)
	}
	return ok.SubmissionHash, nil
}

func fetchStatus(endpoint, hash string) (string, error) {
	resp, err := submitClient.Get(endpoint + "/status/" + hash)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status check: %s", resp.Status)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.Status, nil
}

func fetchResult(endpoint, hash string) ([]byte, error) {
	resp, err := submitClient.Get(endpoint + "/result/" + hash)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch result: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func waitForCompletion(endpoint, hash string) (string, error) {
	spinner := ux.NewSpinner("Waiting for analysis")
	spinner.Start()
	defer spinner.Stop()

	deadline := time.Now().Add(submitWaitTimeout)
	for {
		status, err := fetchStatus(endpoint, hash)
		if err != nil {
			return "", err
		}
		switch status {
		case registry.StatusCompleted, registry.StatusError:
			return status, nil
		}
		spinner.UpdateMessage("Waiting for analysis (" + status + ")")
		if time.Now().After(deadline) {
			return "", fmt.Errorf("analysis still %s after %s", status, submitWaitTimeout)
		}
		time.Sleep(submitPollInterval)
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	endpoint := strings.TrimRight(submitEndpoint, "/")

	hash, err := postUpload(endpoint, args[0])
	if err != nil {
		return err
	}
	ux.Success("Image submitted")
	ux.Field("Submission", hash)
	ux.Field("Results", endpoint+"/result/"+hash)

	if !submitWait {
		return nil
	}

	status, err := waitForCompletion(endpoint, hash)
	if err != nil {
		return err
	}
	if status == registry.StatusError {
		ux.Error("Analysis failed, partial results may be available")
	} else {
		ux.Success("Analysis completed")
	}

	raw, err := fetchResult(endpoint, hash)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Write(raw)
	}
	fmt.Println(pretty.String())
	return nil
}
