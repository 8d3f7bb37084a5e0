package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/installer/internal/backup"
	"github.com/breeze-rmm/installer/internal/installer"
	"github.com/breeze-rmm/installer/internal/installerr"
	"github.com/breeze-rmm/installer/internal/pathlock"
)

var (
	version = "0.1.0"
	cfgFile string

	folder string
	pid    int
)

var rootCmd = &cobra.Command{
	Use:           "breeze-installer",
	Short:         "Breeze update installer",
	Long:          `Breeze Installer - installs a staged Breeze agent update into a live installation and brings the agent back`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the staged package into an installation folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInstall(cmd.Context())
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check install preconditions without changing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVerify()
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Restore the newest installation snapshot into a folder",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRestore(cmd.Context())
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List stored snapshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		return listSnapshots(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Breeze Installer v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/breeze/installer.yaml)")

	for _, cmd := range []*cobra.Command{installCmd, verifyCmd} {
		cmd.Flags().StringVar(&folder, "folder", "", "installation folder")
		cmd.Flags().IntVar(&pid, "pid", 0, "process id of the running application")
		_ = cmd.MarkFlagRequired("folder")
		_ = cmd.MarkFlagRequired("pid")
	}
	restoreCmd.Flags().StringVar(&folder, "folder", "", "installation folder")
	_ = restoreCmd.MarkFlagRequired("folder")

	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps failures to distinct process exit codes for calling scripts.
func exitCode(err error) int {
	switch installerr.KindOf(err) {
	case installerr.InvalidArgument, installerr.PathNotFound, installerr.ProcessNotFound:
		return 2
	case installerr.StopFailed, installerr.BackupFailed:
		return 3
	case installerr.RestoreFailed:
		return 4
	case installerr.RestartFailed:
		return 5
	default:
		return 1
	}
}

func runInstall(ctx context.Context) error {
	app, err := setup(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	res, err := app.orchestrator.Install(ctx, installer.Request{InstallationFolder: folder, ProcessID: pid})
	if len(res.Trace) > 1 {
		fmt.Printf("Path: %s\n", res.Path)
		fmt.Printf("Restart: %s (%s)\n", res.Outcome, res.Strategy)
		if res.InstallSnapshot != "" {
			fmt.Printf("Snapshot: %s\n", res.InstallSnapshot)
		}
		if res.ReplaceError != "" {
			fmt.Printf("Install failed and was rolled back: %s\n", res.ReplaceError)
		}
	}
	return err
}

func runVerify() error {
	app, err := setup(context.Background())
	if err != nil {
		return err
	}
	defer app.Close()

	err = app.verifier.Verify(folder, pid)
	if err == nil {
		fmt.Println("All preconditions met.")
		return nil
	}
	for _, kind := range installerr.Kinds(err) {
		fmt.Printf("FAIL %s\n", kind)
	}
	return err
}

func runRestore(ctx context.Context) error {
	app, err := setup(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	release := pathlock.Default.Acquire(folder)
	defer release()
	if err := app.backups.Restore(ctx, folder); err != nil {
		return err
	}
	fmt.Printf("Restored newest installation snapshot into %s\n", folder)
	return nil
}

func listSnapshots(ctx context.Context) error {
	app, err := setup(ctx)
	if err != nil {
		return err
	}
	defer app.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tID\tCREATED\tFILES\tBYTES")
	var errs []error
	for _, kind := range []backup.SnapshotKind{backup.KindInstall, backup.KindAppData} {
		snaps, err := app.backups.List(ctx, kind)
		if err != nil {
			errs = append(errs, err)
		}
		for _, s := range snaps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", s.Kind, s.ID, s.Timestamp.Local().Format(time.RFC3339), len(s.Files), s.Size)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return errors.Join(errs...)
}
