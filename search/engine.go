// CLAUDE:SUMMARY JSON search engine descriptor and single-request execution (URL template, result path walk, field map).
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/harvest/connectivity"
	"github.com/hazyhaar/harvest/horosafe"
)

// Engine describes one interchangeable JSON search backend.
//
//	name: brave
//	url_template: https://api.search.brave.com/res/v1/news/search?q={query}&count={count}
//	headers: {X-Subscription-Token: ${BRAVE_API_KEY}}
//	result_path: results
//	fields: {title: title, url: url, snippet: description, published: age}
type Engine struct {
	Name        string            `yaml:"name" json:"name"`
	URLTemplate string            `yaml:"url_template" json:"url_template"`
	Method      string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers     map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	ResultPath  string            `yaml:"result_path" json:"result_path"`
	// Fields maps title, url, snippet, published and source to dot paths
	// inside one result object. Missing keys use the same name.
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
	// Priority engines are tried before the others.
	Priority bool `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Result is one search hit.
type Result struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Snippet     string    `json:"snippet"`
	Source      string    `json:"source"`
	Engine      string    `json:"engine"`
	Stage       string    `json:"stage,omitempty"`
	Query       string    `json:"query,omitempty"`
	PublishedAt time.Time `json:"published_at,omitzero"`
	Score       float64   `json:"score"`
}

const maxResponseBody = 10 << 20

// do executes one request against e. HTTP failures come back as
// *connectivity.StatusError so the retry layer can tell 4xx from 5xx.
func (e *Engine) do(ctx context.Context, client *http.Client, query string, count int) ([]Result, error) {
	u := strings.ReplaceAll(e.URLTemplate, "{query}", url.QueryEscape(query))
	u = strings.ReplaceAll(u, "{count}", strconv.Itoa(count))

	method := e.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, connectivity.Permanent(fmt.Errorf("search: %s: new request: %w", e.Name, err))
	}
	for k, v := range e.Headers {
		req.Header.Set(k, os.Expand(v, os.Getenv))
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search: %s: %w", e.Name, err)
	}
	defer resp.Body.Close()

	body, err := horosafe.LimitedReadAll(resp.Body, maxResponseBody)
	if err != nil {
		return nil, fmt.Errorf("search: %s: read body: %w", e.Name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &connectivity.StatusError{Code: resp.StatusCode, Body: truncate(string(body), 200)}
	}

	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("search: %s: json decode: %w", e.Name, err)
	}
	items, err := walkArray(raw, e.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("search: %s: result path %q: %w", e.Name, e.ResultPath, err)
	}

	out := make([]Result, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := Result{
			Title:   e.field(obj, "title"),
			URL:     e.field(obj, "url"),
			Snippet: e.field(obj, "snippet"),
			Source:  e.field(obj, "source"),
			Engine:  e.Name,
			Query:   query,
		}
		if r.URL == "" {
			continue
		}
		r.PublishedAt = parsePublished(e.field(obj, "published"), time.Now())
		out = append(out, r)
	}
	return out, nil
}

func (e *Engine) field(obj map[string]any, name string) string {
	path := name
	if p, ok := e.Fields[name]; ok {
		path = p
	}
	if path == "" {
		return ""
	}
	v, ok := walk(obj, path)
	if !ok {
		return ""
	}
	return asString(v)
}

// walkArray follows a dot path to an array. An empty path means the root.
func walkArray(v any, path string) ([]any, error) {
	cur := v
	if path != "" {
		var ok bool
		if cur, ok = walk(v, path); !ok {
			return nil, fmt.Errorf("key not found")
		}
	}
	arr, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("not an array (%T)", cur)
	}
	return arr, nil
}

func walk(v any, path string) (any, bool) {
	cur := v
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

var publishedLayouts = []string{
	time.RFC3339, time.RFC1123Z, time.RFC1123, "2006-01-02T15:04:05", "2006-01-02 15:04:05",
	"2006-01-02", "January 2, 2006", "Jan 2, 2006", "02 Jan 2006",
}

// parsePublished understands absolute dates, epoch seconds and relative
// ages ("3 hours ago", "2 days ago").
func parsePublished(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, l := range publishedLayouts {
		if t, err := time.Parse(l, s); err == nil {
			return t
		}
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 1_000_000_000 {
		return time.Unix(n, 0)
	}
	f := strings.Fields(strings.ToLower(s))
	if len(f) >= 2 {
		n, err := strconv.Atoi(f[0])
		if err != nil {
			if f[0] != "a" && f[0] != "an" {
				return time.Time{}
			}
			n = 1
		}
		unit := strings.TrimSuffix(f[1], "s")
		d := map[string]time.Duration{
			"second": time.Second, "minute": time.Minute, "hour": time.Hour,
			"day": 24 * time.Hour, "week": 7 * 24 * time.Hour, "month": 30 * 24 * time.Hour,
		}[unit]
		if d > 0 {
			return now.Add(-time.Duration(n) * d)
		}
	}
	return time.Time{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
