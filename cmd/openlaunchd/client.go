package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"OpenLaunch/sdk/go/openlaunch"
)

var statsSince string

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Run a query against the daemon",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		out, err := client.Query(cmd.Context(), strings.Join(args, " "))
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), out)
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "HANDLER\tTEXT\tSUBTEXT\tUSAGE")
		for _, it := range out.Items {
			text := it.Result.Text
			if it.Fallback {
				text += " (fallback)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\n", it.HandlerID, text, it.Result.Subtext, it.Usage)
		}
		for _, he := range out.Errors {
			fmt.Fprintf(tw, "%s\t<error>\t%s\t\n", he.HandlerID, he.Detail)
		}
		return tw.Flush()
	},
}

var pluginsCmd = &cobra.Command{
	Use:   "plugins",
	Short: "Inspect and control plugins",
}

var pluginsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered plugins",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		list, err := client.Plugins(cmd.Context())
		if err != nil {
			return err
		}
		return printPlugins(cmd.OutOrStdout(), list...)
	},
}

func pluginAction(use, short string, call func(c *openlaunch.Client, cmd *cobra.Command, id string) (openlaunch.Plugin, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <plugin-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			p, err := call(client, cmd, args[0])
			if err != nil {
				return err
			}
			return printPlugins(cmd.OutOrStdout(), p)
		},
	}
}

var handlersCmd = &cobra.Command{
	Use:   "handlers",
	Short: "List registered query handlers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		list, err := client.Handlers(cmd.Context())
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), list)
		}
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "ID\tOWNER\tCATEGORY\tTRIGGER\tENABLED")
		for _, h := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%q\t%t\n", h.ID, h.Owner, h.Category, h.Trigger, h.Enabled && h.OwnerEnabled)
		}
		return tw.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show activation counts per handler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var since time.Time
		if statsSince != "" {
			d, err := time.ParseDuration(statsSince)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			since = time.Now().Add(-d)
		}
		client, err := newClient()
		if err != nil {
			return err
		}
		stats, err := client.Stats(cmd.Context(), since)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), stats)
		}
		ids := make([]string, 0, len(stats.Counts))
		for id := range stats.Counts {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool {
			if stats.Counts[ids[i]] != stats.Counts[ids[j]] {
				return stats.Counts[ids[i]] > stats.Counts[ids[j]]
			}
			return ids[i] < ids[j]
		})
		tw := newTable(cmd.OutOrStdout())
		fmt.Fprintln(tw, "HANDLER\tACTIVATIONS")
		for _, id := range ids {
			fmt.Fprintf(tw, "%s\t%d\n", id, stats.Counts[id])
		}
		return tw.Flush()
	},
}

func init() {
	pluginsCmd.AddCommand(
		pluginsListCmd,
		pluginAction("load", "Load a plugin", func(c *openlaunch.Client, cmd *cobra.Command, id string) (openlaunch.Plugin, error) {
			return c.LoadPlugin(cmd.Context(), id)
		}),
		pluginAction("unload", "Unload a plugin", func(c *openlaunch.Client, cmd *cobra.Command, id string) (openlaunch.Plugin, error) {
			return c.UnloadPlugin(cmd.Context(), id)
		}),
		pluginAction("enable", "Enable a plugin", func(c *openlaunch.Client, cmd *cobra.Command, id string) (openlaunch.Plugin, error) {
			return c.SetPluginEnabled(cmd.Context(), id, true)
		}),
		pluginAction("disable", "Disable a plugin", func(c *openlaunch.Client, cmd *cobra.Command, id string) (openlaunch.Plugin, error) {
			return c.SetPluginEnabled(cmd.Context(), id, false)
		}),
	)
	statsCmd.Flags().StringVar(&statsSince, "since", "", "only count activations within this duration, e.g. 24h")
	rootCmd.AddCommand(queryCmd, pluginsCmd, handlersCmd, statsCmd)
}

// newClient 优先使用命令行参数，其次使用配置文件中的服务地址与令牌。
func newClient() (*openlaunch.Client, error) {
	base, token := serverURL, apiToken
	if base == "" || token == "" {
		store, err := loadConfig()
		if err != nil {
			return nil, err
		}
		cfg := store.Config()
		if base == "" {
			base = baseURL(cfg.Server.Address)
		}
		if token == "" {
			token = cfg.Server.Token
		}
	}
	client, err := openlaunch.NewClient(base, nil)
	if err != nil {
		return nil, err
	}
	client.SetAccessToken(token)
	return client, nil
}

func baseURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func printPlugins(w io.Writer, list ...openlaunch.Plugin) error {
	if outputJSON {
		return printJSON(w, list)
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tVERSION\tSTATE\tENABLED\tERROR")
	for _, p := range list {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", p.ID, p.Version, p.State, p.Enabled, p.Error)
	}
	return tw.Flush()
}

func newTable(w io.Writer) *tabwriter.Writer {
	if w == nil {
		w = os.Stdout
	}
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
