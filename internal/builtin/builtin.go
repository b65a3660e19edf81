// Package builtin 提供随启动器一同发布的插件。
package builtin

import (
	"OpenLaunch/pkg/plugin"
)

// 内置插件共享的资源键。
const (
	ResourcePlugins  = "builtin.plugins"
	ResourceFrontend = "builtin.frontend"
)

const author = "OpenLaunch"

func meta(id, name, description string) plugin.Metadata {
	return plugin.Metadata{
		ID:          id,
		Name:        name,
		Description: description,
		Version:     "1.0.0",
		Authors:     []string{author},
		License:     "MIT",
	}
}

// Options 收集内置插件的静态配置。
type Options struct {
	Apps      []App
	WebSearch []SearchEngine
}

// Providers 返回全部内置插件，顺序即注册顺序。
func Providers(opts Options) []plugin.Provider {
	return []plugin.Provider{
		NewApps(opts.Apps),
		NewCalc(),
		NewWebSearch(opts.WebSearch),
		NewPlugins(),
		NewFrontend(),
	}
}
