package builtin

import (
	"context"
	"fmt"
	"strings"

	"OpenLaunch/pkg/match"
	"OpenLaunch/pkg/plugin"
	"OpenLaunch/pkg/query"
)

// PluginLister 由宿主通过资源 ResourcePlugins 提供。
type PluginLister interface {
	List() []plugin.Info
}

// NewPlugins 返回插件管理插件，触发词 "plugins "，列出插件及其状态。
func NewPlugins() plugin.Provider {
	return &plugin.FuncProvider{
		Meta: meta("plugins", "Plugins", "Lists plugins and offers load or unload actions."),
		New: func(ctx *plugin.ExecutionContext) (plugin.Instance, error) {
			lister, ok := ctx.Resources[ResourcePlugins].(PluginLister)
			if !ok {
				return nil, fmt.Errorf("resource %s not provided", ResourcePlugins)
			}
			return plugin.HandlerSet{pluginsHandler{lister: lister}}, nil
		},
	}
}

type pluginsHandler struct {
	lister PluginLister
}

func (pluginsHandler) Describe() query.Descriptor {
	return query.Descriptor{ID: "plugins", Name: "Plugins", Category: query.Trigger, DefaultTrigger: "plugins ", AllowTriggerRemap: true, SupportsFuzzy: true}
}

func (h pluginsHandler) Handle(ctx context.Context, q query.Query) ([]query.Result, error) {
	text := strings.TrimSpace(q.Text)
	m := match.New(match.WithFuzzy(q.Fuzzy))
	var out []query.Result
	for _, info := range h.lister.List() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res := match.Match{}
		if text != "" {
			var ok bool
			if res, ok = bestOf(m, text, info.Name, info.ID); !ok {
				continue
			}
		}
		out = append(out, query.Result{
			ID:      info.ID,
			Text:    displayName(info),
			Subtext: describeState(info),
			Score:   res.Score,
			Exact:   res.Exact,
			Actions: pluginActions(info),
			Payload: info.ID,
		})
	}
	return out, nil
}

func bestOf(m *match.Matcher, text string, candidates ...string) (match.Match, bool) {
	var best match.Match
	found := false
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if r, ok := m.Match(text, c); ok && (!found || r.Score > best.Score) {
			best, found = r, true
		}
	}
	return best, found
}

func displayName(info plugin.Info) string {
	if info.Name != "" {
		return info.Name
	}
	return info.ID
}

func describeState(info plugin.Info) string {
	s := string(info.State)
	if !info.Enabled {
		s += ", disabled"
	}
	if info.Error != "" {
		s += ": " + info.Error
	}
	return s
}

func pluginActions(info plugin.Info) []string {
	if info.Frontend {
		return nil
	}
	switch info.State {
	case plugin.StateLoaded:
		return []string{"unload"}
	case plugin.StateNotLoaded, plugin.StateFailed:
		return []string{"load"}
	}
	return nil
}
