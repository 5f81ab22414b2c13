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

package transport

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/wso2/api-platform/realtime-client/pkg/errs"
)

// Server error codes with a defined policy
const (
	CodeAuthenticationRequired = "authentication_required"
	CodeInvalidSession         = "invalid_session"
	CodeNotFound               = "not_found"
	CodeIDInUse                = "id_in_use"
	CodeServerUnavailable      = "server_unavailable"
)

// ClassifyResponse classifies a non-2xx REST response. The server error code,
// when present, takes precedence over the status.
func ClassifyResponse(status int, body []byte) *errs.Error {
	var eb ErrorBody
	_ = json.Unmarshal(body, &eb)
	eb.Status = status

	e := ClassifyErrorBody(eb)
	if e.Message == "" {
		e.Message = strings.TrimSpace(string(body))
		if e.Message == "" {
			e.Message = http.StatusText(status)
		}
	}
	return e
}

// ClassifyErrorBody classifies a server error payload
func ClassifyErrorBody(eb ErrorBody) *errs.Error {
	return &errs.Error{
		Class:      classify(eb.Status, eb.Code),
		StatusCode: eb.Status,
		Code:       eb.Code,
		Message:    eb.Message,
	}
}

func classify(status int, code string) errs.Class {
	switch code {
	case CodeAuthenticationRequired, CodeInvalidSession:
		return errs.Authentication
	case CodeNotFound:
		return errs.NotFound
	case CodeIDInUse:
		return errs.Conflict
	case CodeServerUnavailable:
		return errs.ServerUnavailable
	}

	switch status {
	case http.StatusUnauthorized:
		return errs.Authentication
	case http.StatusNotFound:
		return errs.NotFound
	case http.StatusConflict:
		return errs.Conflict
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return errs.ServerUnavailable
	default:
		return errs.Unclassified
	}
}
