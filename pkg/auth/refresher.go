/*
 * Copyright (c) 2025, WSO2 LLC. (https://www.wso2.com).
 *
 * WSO2 LLC. licenses this file to you under the Apache License,
 * Version 2.0 (the "License"); you may not use this file except
 * in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing,
 * software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
 * KIND, either express or implied.  See the License for the
 * specific language governing permissions and limitations
 * under the License.
 */

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/wso2/api-platform/realtime-client/pkg/transport"
)

// SessionsPath creates a new session from an identity token
const SessionsPath = "/sessions"

// HTTPRefresher exchanges an identity token for a session token
type HTTPRefresher struct {
	client        *transport.RESTClient
	identityToken string
	appID         string
}

type createSessionRequest struct {
	IdentityToken string `json:"identity_token"`
	AppID         string `json:"app_id,omitempty"`
}

type createSessionResponse struct {
	SessionToken string `json:"session_token"`
}

// NewHTTPRefresher creates a refresher. client must not attach the expired
// session credential, so build it without a token source.
func NewHTTPRefresher(client *transport.RESTClient, identityToken, appID string) *HTTPRefresher {
	return &HTTPRefresher{client: client, identityToken: identityToken, appID: appID}
}

// Refresh creates a new session
func (r *HTTPRefresher) Refresh(ctx context.Context) (string, error) {
	if r.identityToken == "" {
		return "", ErrNoRefresher
	}

	payload, err := json.Marshal(createSessionRequest{IdentityToken: r.identityToken, AppID: r.appID})
	if err != nil {
		return "", fmt.Errorf("failed to encode session request: %w", err)
	}

	data, err := r.client.Do(ctx, http.MethodPost, SessionsPath, payload)
	if err != nil {
		return "", err
	}

	var resp createSessionResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("failed to parse session response: %w", err)
	}
	if resp.SessionToken == "" {
		return "", fmt.Errorf("session response did not contain a session_token")
	}
	return resp.SessionToken, nil
}
