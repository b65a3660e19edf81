package builtin

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"OpenLaunch/pkg/plugin"
	"OpenLaunch/pkg/query"
)

// SearchEngine 是一个搜索 URL 模板，%s 处替换为转义后的查询。
type SearchEngine struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

// NewWebSearch 为每个搜索引擎注册一个兜底处理器。
func NewWebSearch(engines []SearchEngine) plugin.Provider {
	return &plugin.FuncProvider{
		Meta: meta("websearch", "Web Search", "Offers web searches when nothing else matches."),
		New: func(*plugin.ExecutionContext) (plugin.Instance, error) {
			set := make(plugin.HandlerSet, 0, len(engines))
			for _, e := range engines {
				if e.ID == "" || !strings.Contains(e.URL, "%s") {
					return nil, fmt.Errorf("invalid search engine %q", e.ID)
				}
				set = append(set, searchHandler{engine: e})
			}
			return set, nil
		},
	}
}

type searchHandler struct {
	engine SearchEngine
}

func (h searchHandler) Describe() query.Descriptor {
	return query.Descriptor{ID: "websearch." + h.engine.ID, Name: h.engine.Name, Category: query.Fallback}
}

func (h searchHandler) Handle(_ context.Context, q query.Query) ([]query.Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, nil
	}
	return []query.Result{{
		ID:      h.engine.ID,
		Text:    fmt.Sprintf("Search %s for '%s'", h.engine.Name, text),
		Subtext: h.engine.Name,
		Actions: []string{"open"},
		Payload: SearchURL(h.engine, text),
	}}, nil
}

// SearchURL 展开搜索模板。
func SearchURL(e SearchEngine, text string) string {
	return strings.Replace(e.URL, "%s", url.QueryEscape(text), 1)
}
