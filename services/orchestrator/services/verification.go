// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.opentelemetry.io/otel/attribute"

	"github.com/relatia-ai/relatia/services/orchestrator/conversation"
)

// =============================================================================
// Post-Verification Client
// =============================================================================

// VerificationClient submits finished question/answer pairs to the
// external verification service.
//
// # Description
//
// Verification is best-effort: the pipeline bounds the call with a short
// timeout and ignores failures, so this client does no retrying of its
// own. A successful submission returns the job link that is stored on
// the turn.
type VerificationClient struct {
	apiURL string
	token  string
	client *http.Client
}

// NewVerificationClient builds a client for the verification endpoint.
// token may be empty when the service is unauthenticated.
func NewVerificationClient(apiURL, token string) *VerificationClient {
	if apiURL == "" {
		panic("NewVerificationClient: empty apiURL")
	}
	return &VerificationClient{
		apiURL: apiURL,
		token:  token,
		// Timeout comes from the caller's context.
		client: &http.Client{},
	}
}

var _ conversation.Verifier = (*VerificationClient)(nil)

// verificationRequest is the wire request of the verification service.
type verificationRequest struct {
	ExternalRequestID string `json:"external_request_id"`
	QAContent         string `json:"qa_content"`
}

// verificationResponse is the wire response of the verification service.
type verificationResponse struct {
	JobID string `json:"job_id"`
}

// Verify submits the pair and returns the verification job link.
func (v *VerificationClient) Verify(ctx context.Context, chatID, turnID, question, answer string) (string, error) {
	ctx, span := tracer.Start(ctx, "VerificationClient.Verify")
	defer span.End()
	span.SetAttributes(attribute.String("turn_id", turnID))

	payload, err := json.Marshal(verificationRequest{
		ExternalRequestID: fmt.Sprintf("%s_%s", chatID, turnID),
		QAContent:         fmt.Sprintf("User question: %s\n\nAnswer:\n%s", question, answer),
	})
	if err != nil {
		return "", fmt.Errorf("marshal verification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.apiURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create verification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if v.token != "" {
		req.Header.Set("Authorization", "Bearer "+v.token)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("verification request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("verification status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read verification response: %w", err)
	}

	var parsed verificationResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("decode verification response: %w", err)
	}
	if parsed.JobID == "" {
		return "", fmt.Errorf("verification response missing job id")
	}

	link, err := url.JoinPath(v.apiURL, parsed.JobID)
	if err != nil {
		return "", fmt.Errorf("build verification link: %w", err)
	}
	return link, nil
}
