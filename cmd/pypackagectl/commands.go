package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/packaginator/pypackage/internal/api"
	"github.com/packaginator/pypackage/internal/services"
)

// newRootCmd assembles the command tree. open is called once per command run,
// after flags are parsed.
func newRootCmd(open opener) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "pypackagectl",
		Short:         "Administer the pypackage index integration",
		Version:       api.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_PATH"), "path to the configuration file")

	withApp := func(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.close()
			return fn(cmd, a, args)
		}
	}

	root.AddCommand(newRegisterCmd(withApp))
	root.AddCommand(newSyncCmd(withApp))
	root.AddCommand(newReleasesCmd(withApp))
	root.AddCommand(newMigrateCmd(withApp))
	return root
}

type appRunner func(fn func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error

func newRegisterCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "register <name>",
		Short: "Link a package index name to a catalog package",
		Long: `Register creates the catalog package titled <name> when it does not exist yet
and links a new index package called <name> to it. Names already registered are
rejected before anything is written.`,
		Args: cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			link, err := a.registrar.RegisterIndexPackage(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, services.ErrDuplicateName) {
					return fmt.Errorf("%s is already registered", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Registered %s (package %d, index %s)\n", link.Name, link.PackageID, link.IndexAPIURL)
			return nil
		}),
	}
}

func newSyncCmd(withApp appRunner) *cobra.Command {
	var (
		noHidden bool
		due      bool
	)

	cmd := &cobra.Command{
		Use:   "sync [name]",
		Short: "Pull new releases from the package index",
		Long: `Sync fetches the releases of one index package that are not stored yet.
With --due, one scheduled pass runs instead: every index package whose next
sync time has passed is synced, with failures recorded and rescheduled.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if due {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			out := cmd.OutOrStdout()
			if due {
				n := a.runDue(cmd.Context())
				fmt.Fprintf(out, "Attempted %d due index packages\n", n)
				return nil
			}

			pkg, err := a.indexPackages.GetByName(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if pkg == nil {
				return fmt.Errorf("%s is not registered", args[0])
			}

			includeHidden := a.cfg.Index.IncludeHidden && !noHidden
			result, err := a.syncer.SyncReleases(cmd.Context(), pkg, includeHidden)
			if result != nil {
				printSyncResult(out, pkg.Name, result)
			}
			return err
		}),
	}
	cmd.Flags().BoolVar(&noHidden, "no-hidden", false, "skip releases the index marks hidden")
	cmd.Flags().BoolVar(&due, "due", false, "run one scheduled pass over all due index packages")
	return cmd
}

func printSyncResult(w io.Writer, name string, r *services.SyncResult) {
	fmt.Fprintf(w, "%s: %d versions seen, %d skipped, %d created\n", name, r.VersionsSeen, r.VersionsSkipped, r.ReleasesCreated)
	for _, v := range r.Created {
		fmt.Fprintf(w, "  + %s\n", v)
	}
}

func newReleasesCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:   "releases <name>",
		Short: "List stored releases in natural version order",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			link, releases, err := a.catalog.ListReleasesByName(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, services.ErrNotFound) {
					return fmt.Errorf("%s is not registered", args[0])
				}
				return err
			}

			out := cmd.OutOrStdout()
			if len(releases) == 0 {
				fmt.Fprintf(out, "%s has no releases yet\n", link.Name)
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\tRELEASE\tDOWNLOADS\tLICENSE\tHIDDEN")
			for _, r := range releases {
				mark := ""
				if r.Latest {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%t\n", mark, r.Name, r.Downloads, r.License, r.Hidden)
			}
			return tw.Flush()
		}),
	}
}

func newMigrateCmd(withApp appRunner) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate <up|down>",
		Short:     "Apply or roll back the database schema",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down"},
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			version, dirty, err := a.migrate(args[0])
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Migration %s completed. Current version: %d (dirty: %v)\n", args[0], version, dirty)
			return nil
		}),
	}
}
