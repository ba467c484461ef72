package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	crclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/xdavidwu/sparkles-sub000/pkg/authz"
	"github.com/xdavidwu/sparkles-sub000/pkg/fault"
	"github.com/xdavidwu/sparkles-sub000/pkg/kubeconfig"
	"github.com/xdavidwu/sparkles-sub000/pkg/resources"
)

func newVersionCmd(a *app) *cobra.Command {
	var clientOnly bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print client and server versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(a.stdout, "Client Version: %s (commit %s, built %s)\n", version, commit, date)
			if clientOnly {
				return nil
			}
			e, release, err := a.engine()
			if err != nil {
				return err
			}
			defer release()
			info, err := e.Discovery().VersionInfo(cmd.Context())
			if err != nil {
				return fmt.Errorf("server version: %w", err)
			}
			fmt.Fprintf(a.stdout, "Server Version: %s\n", info.GitVersion)
			return nil
		},
	}
	cmd.Flags().BoolVar(&clientOnly, "client", false, "skip the server version")
	return cmd
}

func newAPIResourcesCmd(a *app) *cobra.Command {
	var group string
	cmd := &cobra.Command{
		Use:   "api-resources",
		Short: "List the resources the server serves in their preferred versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, release, err := a.engine()
			if err != nil {
				return err
			}
			defer release()
			groups, err := e.Discovery().Groups(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(a.stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tAPIVERSION\tNAMESPACED\tKIND")
			for _, g := range groups {
				if cmd.Flags().Changed("group") && g.Name != group {
					continue
				}
				if len(g.Versions) == 0 {
					continue
				}
				v := g.Versions[0]
				apiVersion := v.Version
				if g.Name != "" {
					apiVersion = g.Name + "/" + v.Version
				}
				for _, r := range v.Resources {
					if r.ResponseKind == nil {
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%t\t%s\n", r.Resource, apiVersion, r.Scope == "Namespaced", r.ResponseKind.Kind)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "only this API group (empty for core)")
	return cmd
}

func newNamespacesCmd(a *app) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:     "namespaces",
		Aliases: []string{"ns"},
		Short:   "List namespaces, marking the selected one",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, release, err := a.engine()
			if err != nil {
				return err
			}
			defer release()

			ns := e.Namespaces()
			changed, unsubscribe := ns.Subscribe()
			defer unsubscribe()

			select {
			case <-ns.Synced():
			case <-ns.Done():
				return sessionEnd(cmd.Context(), ns)
			case <-cmd.Context().Done():
				return nil
			}
			ns.Select(crclient.ObjectKey{Name: e.Namespace()})
			printNamespaces(a, ns)
			if !watch {
				return nil
			}

			for {
				select {
				case <-changed:
					fmt.Fprintln(a.stdout, "---")
					printNamespaces(a, ns)
				case <-ns.Done():
					return sessionEnd(cmd.Context(), ns)
				case <-cmd.Context().Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep printing as namespaces change")
	return cmd
}

// sessionEnd is the outcome of a namespace session that ended before ctx.
// A session stopped from outside still means updates stopped.
func sessionEnd(ctx context.Context, ns *resources.Namespaces) error {
	if err := ns.Err(); err != nil {
		return err
	}
	if ctx.Err() == nil {
		return fmt.Errorf("namespaces: %w", fault.ErrUpdatesStopped)
	}
	return nil
}

func printNamespaces(a *app, ns *resources.Namespaces) {
	selected, hasSel := ns.Selected()
	for _, item := range ns.Items() {
		mark := " "
		if hasSel && item.Name == selected.Name {
			mark = "*"
		}
		fmt.Fprintf(a.stdout, "%s %s\n", mark, item.Name)
	}
}

func newCanICmd(a *app) *cobra.Command {
	var (
		namespace string
		group     string
		exact     bool
	)
	cmd := &cobra.Command{
		Use:   "can-i VERB RESOURCE [NAME]",
		Short: "Check whether the current identity may perform an action",
		Long: `Check whether the current identity may perform an action.

The answer comes from the identity's rules review for the namespace. With
--exact, an answer the review cannot give is asked of the server directly.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, release, err := a.engine()
			if err != nil {
				return err
			}
			defer release()

			if !cmd.Flags().Changed("namespace") {
				namespace = e.Namespace()
			}
			attrs := authz.Attributes{Namespace: namespace, Group: group, Resource: args[1], Verb: args[0]}
			if len(args) == 3 {
				attrs.Name = args[2]
			}

			ev := e.Authorization()
			if _, err := ev.LoadReview(cmd.Context(), namespace); err != nil {
				return err
			}
			verdict := ev.Check(attrs)
			if exact {
				if verdict, err = ev.FullCheck(cmd.Context(), attrs); err != nil {
					return err
				}
			}
			fmt.Fprintln(a.stdout, answer(verdict))
			return nil
		},
	}
	cmd.Flags().StringVarP(&namespace, "namespace", "n", "", "namespace to check in (default: the context's)")
	cmd.Flags().StringVar(&group, "group", "", "API group of the resource")
	cmd.Flags().BoolVar(&exact, "exact", false, "ask the server when the rules review is inconclusive")
	return cmd
}

func answer(v authz.Verdict) string {
	switch v {
	case authz.Allowed:
		return "yes"
	case authz.Denied:
		return "no"
	default:
		return "unknown"
	}
}

func newContextsCmd(a *app) *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "contexts",
		Short: "List contexts of every kubeconfig in the kube directory",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if dir == "" {
				d, err := kubeconfig.DefaultDir()
				if err != nil {
					return err
				}
				dir = d
			}
			m := kubeconfig.NewManager()
			if err := m.DiscoverKubeconfigs(dir); err != nil {
				return err
			}

			w := tabwriter.NewWriter(a.stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "CURRENT\tNAME\tCLUSTER\tNAMESPACE\tKUBECONFIG")
			for _, c := range m.GetContexts() {
				current := ""
				if c.Current {
					current = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", current, c.Name, c.Cluster, c.Namespace, c.Kubeconfig.Path)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "directory to scan (default ~/.kube)")
	return cmd
}
