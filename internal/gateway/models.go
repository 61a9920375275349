// Copyright 2026 The openclaw-docker Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ListModelsTimeout bounds a model listing call.
const ListModelsTimeout = 5 * time.Second

// ModelEntry is one selectable model, id in "provider/model" form.
type ModelEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ListModels asks the gateway for its model catalog and returns the models
// marked available, grouped by provider.
func (c *Client) ListModels(ctx context.Context) (map[string][]ModelEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, ListModelsTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("gateway returned invalid JSON")
	}

	grouped := make(map[string][]ModelEntry)
	gjson.GetBytes(data, "models").ForEach(func(_, m gjson.Result) bool {
		if !m.Get("available").Bool() {
			return true
		}
		key := m.Get("key").String()
		provider, id, ok := strings.Cut(key, "/")
		if !ok || provider == "" || id == "" || strings.Contains(id, "/") {
			return true
		}
		name := m.Get("name").String()
		if name == "" {
			name = id
		}
		grouped[provider] = append(grouped[provider], ModelEntry{ID: key, Name: name})
		return true
	})
	return grouped, nil
}
