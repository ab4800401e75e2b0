package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	apiclient "github.com/splax/shipyard/pkg/api/client"
)

func (a *app) client() (*apiclient.Client, error) {
	return apiclient.New(a.cfg.Client.BaseURL, apiclient.WithToken(a.cfg.HTTP.APIToken))
}

func (a *app) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, a.cfg.Client.Timeout)
}

func (a *app) deployCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "deploy <project-id>",
		Short: "Start a deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			projectID := args[0]
			out := cmd.OutOrStdout()

			if !follow {
				ctx, cancel := a.requestContext(cmd.Context())
				defer cancel()
				accepted, err := cli.Deploy(ctx, projectID)
				if err != nil {
					return err
				}
				if a.jsonOutput(out) {
					return printJSON(out, accepted)
				}
				fmt.Fprintf(out, "deployment %s accepted\n", accepted.DeploymentID)
				return nil
			}

			// Subscribe first so no line of the new attempt is missed.
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			ready := make(chan struct{})
			streamErr := make(chan error, 1)
			go func() {
				streamErr <- a.follow(ctx, cli, projectID, out, ready)
			}()
			select {
			case <-ready:
			case err := <-streamErr:
				return err
			}
			reqCtx, reqCancel := a.requestContext(cmd.Context())
			accepted, err := cli.Deploy(reqCtx, projectID)
			reqCancel()
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "deployment %s accepted\n", accepted.DeploymentID)
			if err := <-streamErr; err != nil {
				return err
			}
			return a.printOutcome(cmd.Context(), cli, out, projectID, accepted.DeploymentID)
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream output until the deployment finishes")
	return cmd
}

// follow streams events until the first finished event. ready is closed once
// the stream is open.
func (a *app) follow(ctx context.Context, cli *apiclient.Client, projectID string, out io.Writer, ready chan struct{}) error {
	return cli.Tail(ctx, projectID, true, func(ev apiclient.Event) error {
		if ev.Type == "log" {
			fmt.Fprintln(out, ev.Line)
		}
		return nil
	}, apiclient.OnOpen(func() { close(ready) }))
}

func (a *app) printOutcome(parent context.Context, cli *apiclient.Client, out io.Writer, projectID, deploymentID string) error {
	ctx, cancel := a.requestContext(parent)
	defer cancel()
	d, err := cli.GetDeployment(ctx, projectID, deploymentID)
	if err != nil {
		return err
	}
	if d.Status == "failed" {
		return fmt.Errorf("deployment %s failed: %s", d.ID, deref(d.Error))
	}
	fmt.Fprintf(out, "deployment %s %s %s\n", d.ID, d.Status, deref(d.URL))
	return nil
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project-id> <deployment-id>",
		Short: "Show one deployment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd.Context())
			defer cancel()
			d, err := cli.GetDeployment(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput(out) {
				return printJSON(out, d)
			}
			renderDeployments(out, []apiclient.Deployment{d})
			return nil
		},
	}
}

func (a *app) logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <project-id> <deployment-id>",
		Short: "Print a deployment's stored log",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd.Context())
			defer cancel()
			logs, err := cli.Logs(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(logs, "\n"))
			return nil
		},
	}
}

func (a *app) historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <project-id>",
		Short: "List recent deployments, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			ctx, cancel := a.requestContext(cmd.Context())
			defer cancel()
			deployments, err := cli.History(ctx, args[0], limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.jsonOutput(out) {
				return printJSON(out, deployments)
			}
			renderDeployments(out, deployments)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of deployments (1-100, default 20)")
	return cmd
}

func (a *app) tailCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "tail <project-id>",
		Short: "Stream live deployment output",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			err = cli.Tail(cmd.Context(), args[0], once, func(ev apiclient.Event) error {
				switch ev.Type {
				case "finished":
					fmt.Fprintf(out, "== %s %s %s\n", ev.DeploymentID, ev.Status, ev.URL)
				default:
					fmt.Fprintln(out, ev.Line)
				}
				return nil
			})
			if err != nil && cmd.Context().Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "exit after the next deployment finishes")
	return cmd
}

func renderDeployments(out io.Writer, deployments []apiclient.Deployment) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"ID", "Status", "Runtime", "Port", "URL", "Created", "Error"})
	for _, d := range deployments {
		port := ""
		if d.Port != nil {
			port = fmt.Sprint(*d.Port)
		}
		tw.AppendRow(table.Row{
			d.ID,
			d.Status,
			d.RuntimeType,
			port,
			deref(d.URL),
			d.CreatedAt.Local().Format(time.DateTime),
			truncate(deref(d.Error), 60),
		})
	}
	tw.Render()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
