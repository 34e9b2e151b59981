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
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relatia-ai/relatia/services/orchestrator/datatypes"
)

func authorityServer(t *testing.T, calls *atomic.Int64, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestAuthorityClient_AdminBypassesAPI(t *testing.T) {
	var calls atomic.Int64
	server := authorityServer(t, &calls, http.StatusOK, `{"code":0}`)
	client := NewAuthorityClient(server.URL)

	auth := client.Resolve(t.Context(), datatypes.CallerIdentity{UserID: "u1", Role: "admin"})

	assert.True(t, auth.IsAdmin())
	assert.Zero(t, calls.Load(), "admin resolution must not call the API")
}

func TestAuthorityClient_AnonymousIsEmpty(t *testing.T) {
	var calls atomic.Int64
	server := authorityServer(t, &calls, http.StatusOK, `{"code":0}`)
	client := NewAuthorityClient(server.URL)

	auth := client.Resolve(t.Context(), datatypes.CallerIdentity{})

	assert.True(t, auth.IsEmpty())
	assert.False(t, auth.IsAdmin())
	assert.Zero(t, calls.Load())
}

func TestAuthorityClient_ParsesGrants(t *testing.T) {
	var calls atomic.Int64
	server := authorityServer(t, &calls, http.StatusOK, `{
		"code": 0,
		"result": {
			"authList": [
				{"dataId": "opp-1", "type": "crm_opportunity"},
				{"dataId": "acct-1", "type": "crm_account"},
				{"dataId": "x-1", "type": "not_a_crm_type"},
				{"dataId": "", "type": "crm_contact"}
			],
			"highSeasAccounts": ["acct-hs-1", "acct-hs-2"]
		}
	}`)
	client := NewAuthorityClient(server.URL)

	auth := client.Resolve(t.Context(), datatypes.CallerIdentity{UserID: "u1", Role: "user"})

	assert.True(t, auth.IsAuthorized(datatypes.CRMTypeOpportunity, "opp-1"))
	assert.True(t, auth.IsAuthorized(datatypes.CRMTypeAccount, "acct-1"))
	// High-seas accounts become account grants.
	assert.True(t, auth.IsAuthorized(datatypes.CRMTypeAccount, "acct-hs-1"))
	assert.True(t, auth.IsAuthorized(datatypes.CRMTypeAccount, "acct-hs-2"))
	// Unknown types and empty ids grant nothing.
	assert.False(t, auth.IsAuthorized(datatypes.CRMType("not_a_crm_type"), "x-1"))
	assert.Equal(t, int64(1), calls.Load())
}

func TestAuthorityClient_APIErrorCodeFailsClosed(t *testing.T) {
	var calls atomic.Int64
	server := authorityServer(t, &calls, http.StatusOK, `{"code": 40001, "message": "forbidden"}`)
	client := NewAuthorityClient(server.URL)

	auth := client.Resolve(t.Context(), datatypes.CallerIdentity{UserID: "u1", Role: "user"})

	assert.True(t, auth.IsEmpty())
}

func TestAuthorityClient_HTTPErrorFailsClosed(t *testing.T) {
	var calls atomic.Int64
	server := authorityServer(t, &calls, http.StatusInternalServerError, `boom`)
	client := NewAuthorityClient(server.URL)

	auth := client.Resolve(t.Context(), datatypes.CallerIdentity{UserID: "u1", Role: "user"})

	assert.True(t, auth.IsEmpty())
}

func TestAuthorityClient_MalformedResponseFailsClosed(t *testing.T) {
	var calls atomic.Int64
	server := authorityServer(t, &calls, http.StatusOK, `{not json`)
	client := NewAuthorityClient(server.URL)

	auth := client.Resolve(t.Context(), datatypes.CallerIdentity{UserID: "u1", Role: "user"})

	assert.True(t, auth.IsEmpty())
}

func TestAuthorityClient_UnreachableFailsClosed(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client := NewAuthorityClient(url)
	auth := client.Resolve(t.Context(), datatypes.CallerIdentity{UserID: "u1", Role: "user"})

	assert.True(t, auth.IsEmpty())
}

func TestAuthorityClient_NoURLFailsClosed(t *testing.T) {
	client := NewAuthorityClient("")

	auth := client.Resolve(t.Context(), datatypes.CallerIdentity{UserID: "u1", Role: "user"})
	require.True(t, auth.IsEmpty())

	// Admin still bypasses without a configured API.
	assert.True(t, client.Resolve(t.Context(), datatypes.CallerIdentity{UserID: "u1", Role: "admin"}).IsAdmin())
}
