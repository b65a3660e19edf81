package builtin

import (
	"context"
	"sort"
	"strings"

	"OpenLaunch/pkg/match"
	"OpenLaunch/pkg/plugin"
	"OpenLaunch/pkg/query"
)

// App 是可启动的应用。
type App struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Exec     string   `json:"exec"`
	Keywords []string `json:"keywords,omitempty"`
}

// NewApps 返回应用目录插件。目录可以由插件配置中的 "apps" 列表补充。
func NewApps(catalogue []App) plugin.Provider {
	return &plugin.FuncProvider{
		Meta: meta("apps", "Applications", "Launches applications from a configured catalogue."),
		New: func(ctx *plugin.ExecutionContext) (plugin.Instance, error) {
			apps := append([]App(nil), catalogue...)
			apps = append(apps, appsFromConfig(ctx.Config)...)
			return plugin.HandlerSet{&appsHandler{apps: apps}}, nil
		},
	}
}

func appsFromConfig(cfg map[string]any) []App {
	raw, ok := cfg["apps"].([]any)
	if !ok {
		return nil
	}
	var out []App
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		app := App{}
		app.ID, _ = m["id"].(string)
		app.Name, _ = m["name"].(string)
		app.Exec, _ = m["exec"].(string)
		if app.ID == "" || app.Name == "" {
			continue
		}
		if kws, ok := m["keywords"].([]any); ok {
			for _, kw := range kws {
				if s, ok := kw.(string); ok {
					app.Keywords = append(app.Keywords, s)
				}
			}
		}
		out = append(out, app)
	}
	return out
}

type appsHandler struct {
	apps []App
}

func (h *appsHandler) Describe() query.Descriptor {
	return query.Descriptor{ID: "apps", Name: "Applications", Category: query.Global, SupportsFuzzy: true}
}

func (h *appsHandler) Handle(ctx context.Context, q query.Query) ([]query.Result, error) {
	text := strings.TrimSpace(q.Text)
	m := match.New(match.WithFuzzy(q.Fuzzy))

	var out []query.Result
	for _, app := range h.apps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if text == "" {
			out = append(out, appResult(app, match.Match{}))
			continue
		}
		best, ok := m.Match(text, app.Name)
		for _, kw := range app.Keywords {
			if km, kok := m.Match(text, kw); kok && (!ok || km.Score > best.Score) {
				// 关键字命中不算精确匹配。
				best, ok = match.Match{Score: km.Score * 0.9}, true
			}
		}
		if ok {
			out = append(out, appResult(app, best))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func appResult(app App, m match.Match) query.Result {
	return query.Result{
		ID:      app.ID,
		Text:    app.Name,
		Subtext: app.Exec,
		Score:   m.Score,
		Exact:   m.Exact,
		Actions: []string{"launch"},
		Payload: app.Exec,
	}
}
