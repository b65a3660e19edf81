package builtin

import (
	"context"
	"fmt"

	"OpenLaunch/pkg/plugin"
)

// Frontend 是前端服务的生命周期，由宿主通过资源 ResourceFrontend 提供。
type Frontend interface {
	Start() error
	Stop(ctx context.Context) error
}

// NewFrontend 返回 HTTP 前端插件。它被标记为前端插件，只能随进程退出卸载。
func NewFrontend() plugin.Provider {
	var running Frontend
	p := &plugin.FuncProvider{
		Meta: meta("frontend_http", "HTTP Front-end", "Serves the launcher API to external front-ends."),
	}
	p.Meta.Frontend = true
	p.New = func(ctx *plugin.ExecutionContext) (plugin.Instance, error) {
		fe, ok := ctx.Resources[ResourceFrontend].(Frontend)
		if !ok {
			return nil, fmt.Errorf("resource %s not provided", ResourceFrontend)
		}
		if err := fe.Start(); err != nil {
			return nil, err
		}
		running = fe
		return plugin.HandlerSet{}, nil
	}
	p.Release = func(ctx context.Context) error {
		if running == nil {
			return nil
		}
		err := running.Stop(ctx)
		running = nil
		return err
	}
	return p
}
