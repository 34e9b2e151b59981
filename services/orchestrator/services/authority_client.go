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
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/relatia-ai/relatia/services/orchestrator/conversation"
	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

// =============================================================================
// CRM Authority Client
// =============================================================================

// AuthorityClient resolves a caller's CRM data access from the authority
// API.
//
// # Description
//
// The client fails closed: anonymous callers, transport failures,
// non-zero API codes, and malformed responses all resolve to an empty
// authority. A broken authority backend can therefore never widen
// access. Admin callers bypass the API entirely.
//
// Authority is resolved fresh per turn and never cached here.
type AuthorityClient struct {
	apiURL string
	client *http.Client
}

// NewAuthorityClient builds a resolver for the authority API at apiURL.
// An empty apiURL yields a resolver that grants nothing to non-admins.
func NewAuthorityClient(apiURL string) *AuthorityClient {
	return &AuthorityClient{
		apiURL: apiURL,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

var _ conversation.AuthorityResolver = (*AuthorityClient)(nil)

// authorityRequest is the wire request of the authority API.
type authorityRequest struct {
	DataID          string `json:"dataId"`
	HighSeasAccount bool   `json:"highSeasAccounts"`
	Type            string `json:"type"`
	UserID          string `json:"userId"`
}

// authorityResponse is the wire response of the authority API.
type authorityResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Result  struct {
		AuthList []struct {
			DataID string `json:"dataId"`
			Type   string `json:"type"`
		} `json:"authList"`
		HighSeasAccounts []string `json:"highSeasAccounts"`
	} `json:"result"`
}

// Resolve maps a caller identity to its Authority.
func (a *AuthorityClient) Resolve(ctx context.Context, identity datatypes.CallerIdentity) conversation.Authority {
	ctx, span := tracer.Start(ctx, "AuthorityClient.Resolve")
	defer span.End()

	if conversation.Role(identity.Role) == conversation.RoleAdmin {
		span.SetAttributes(attribute.String("role", "admin"))
		return conversation.AdminAuthority()
	}
	if identity.Anonymous() {
		slog.Info("anonymous caller has no CRM data access")
		return conversation.EmptyAuthority()
	}
	if a.apiURL == "" {
		slog.Error("authority API URL not configured, failing closed")
		return conversation.EmptyAuthority()
	}

	resp, err := a.fetch(ctx, identity.UserID)
	if err != nil {
		span.RecordError(err)
		slog.Error("authority resolution failed, failing closed",
			"user_id", identity.UserID,
			"error", err,
		)
		return conversation.EmptyAuthority()
	}

	authority := conversation.EmptyAuthority()
	for _, item := range resp.Result.AuthList {
		if item.DataID == "" || item.Type == "" {
			continue
		}
		crmType := datatypes.CRMType(item.Type)
		if !datatypes.KnownCRMTypes[crmType] {
			slog.Warn("unknown CRM type from authority API", "type", item.Type)
			continue
		}
		authority.Grant(crmType, item.DataID)
	}

	// High-seas accounts are visible to everyone with CRM access.
	for _, accountID := range resp.Result.HighSeasAccounts {
		authority.Grant(datatypes.CRMTypeAccount, accountID)
	}

	grants := 0
	for _, set := range authority.AuthorizedItems {
		grants += len(set)
	}
	span.SetAttributes(attribute.Int("grants", grants))
	slog.Info("authority resolved", "user_id", identity.UserID, "grants", grants)
	return authority
}

func (a *AuthorityClient) fetch(ctx context.Context, userID string) (*authorityResponse, error) {
	payload, err := json.Marshal(authorityRequest{
		DataID:          "",
		HighSeasAccount: false,
		Type:            string(datatypes.CRMTypeOpportunity),
		UserID:          userID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal authority request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create authority request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authority request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authority API status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read authority response: %w", err)
	}

	var parsed authorityResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode authority response: %w", err)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("authority API error %d: %s", parsed.Code, parsed.Message)
	}
	return &parsed, nil
}
