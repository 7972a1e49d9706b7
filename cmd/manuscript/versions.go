package main

import (
	"github.com/spf13/cobra"

	"github.com/hazyhaar/manuscript/studio"
)

var (
	versionName      string
	versionClone     bool
	versionCloneFrom string
	versionForce     bool
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "Manage the draft versions of a book",
}

var versionsListCmd = &cobra.Command{
	Use:   "list <book-id>",
	Short: "List versions, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			vs, err := a.svc.ListVersions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, vs)
		})
	},
}

var versionsCreateCmd = &cobra.Command{
	Use:   "create <book-id>",
	Short: "Create a version and make it active",
	Long: `Create a new version of a book. It becomes the active version.
With --clone the chapters of the active version (or of --from) are copied
into it; without, it starts empty.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			v, err := a.svc.CreateVersion(cmd.Context(), args[0], studio.VersionOptions{
				Name:          versionName,
				CloneChapters: versionClone,
				CloneFrom:     versionCloneFrom,
			})
			if err != nil {
				return err
			}
			return printOut(cmd, v)
		})
	},
}

var versionsActivateCmd = &cobra.Command{
	Use:   "activate <book-id> <version-id>",
	Short: "Make a version the active one",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			if err := a.svc.ActivateVersion(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			return printOut(cmd, map[string]string{"active_version": args[1]})
		})
	},
}

var versionsDeleteCmd = &cobra.Command{
	Use:   "delete <book-id> <version-id>",
	Short: "Delete a version and its chapters",
	Long: `Delete a version with its chapters and their history. The only version
of a book can never be deleted; the active one only with --force, in which
case the most recent remaining version becomes active.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			if err := a.svc.DeleteVersion(cmd.Context(), args[0], args[1], versionForce); err != nil {
				return err
			}
			return printOut(cmd, map[string]string{"deleted": args[1]})
		})
	},
}

var versionsRenameCmd = &cobra.Command{
	Use:   "rename <book-id> <version-id> <name>",
	Short: "Rename a version",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			if err := a.svc.RenameVersion(cmd.Context(), args[0], args[1], args[2]); err != nil {
				return err
			}
			return printOut(cmd, map[string]string{"version_id": args[1], "name": args[2]})
		})
	},
}

var versionsMigrateCmd = &cobra.Command{
	Use:   "migrate <book-id>",
	Short: "Move chapters that predate versioning into an \"Original\" version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(false, func(a *app) error {
			v, err := a.svc.MigrateExistingChapters(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOut(cmd, v)
		})
	},
}

func init() {
	versionsCreateCmd.Flags().StringVar(&versionName, "name", "", `version name (default "Version N")`)
	versionsCreateCmd.Flags().BoolVar(&versionClone, "clone", false, "copy chapters into the new version")
	versionsCreateCmd.Flags().StringVar(&versionCloneFrom, "from", "", "version to clone (default: active)")
	versionsDeleteCmd.Flags().BoolVar(&versionForce, "force", false, "allow deleting the active version")

	versionsCmd.AddCommand(versionsListCmd, versionsCreateCmd, versionsActivateCmd,
		versionsDeleteCmd, versionsRenameCmd, versionsMigrateCmd)
	rootCmd.AddCommand(versionsCmd)
}
