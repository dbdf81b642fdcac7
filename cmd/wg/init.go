package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/steveyegge/workgate/internal/storage"
	"github.com/steveyegge/workgate/internal/storage/sqlite"
)

var initCmd = &cobra.Command{
	Use:   "init [project-name]",
	Short: "Initialize a tracker in the current directory",
	Long: `Initialize a tracker by creating a .workgate/ directory with a database.

If no project name is provided, the current directory name is used.

Example:
  cd ~/myproject
  wg init            # Creates .workgate/myproject.db
  wg init myapp      # Creates .workgate/myapp.db`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		projectName := ""
		if len(args) > 0 {
			projectName = args[0]
		}

		cwd, err := os.Getwd()
		if err != nil {
			fatal(fmt.Errorf("failed to get current directory: %w", err))
		}

		project, err := storage.Init(cwd, projectName)
		if err != nil {
			fatal(err)
		}
		path := project.DBPath

		// Opening the store creates the schema
		db, err := sqlite.New(context.Background(), path)
		if err != nil {
			fatal(fmt.Errorf("failed to initialize database: %w", err))
		}
		_ = db.Close()

		if jsonOutput {
			outputJSON(map[string]string{"database": path, "project_root": project.Root})
			return
		}

		green := color.New(color.FgGreen).SprintFunc()
		cyan := color.New(color.FgCyan).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s Initialized workgate tracker\n\n", green("✓"))
		fmt.Printf("  Database: %s\n", cyan(path))
		fmt.Printf("  Project root: %s\n", cyan(project.Root))
		fmt.Printf("\n%s\n", gray("Next: wg create workitem \"<title>\" --type feature"))
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
