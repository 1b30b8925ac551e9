// Command bite queries bug trackers through the tracker facade.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nucleus/tracker-core/internal/config"
	"github.com/nucleus/tracker-core/internal/logging"
	"github.com/nucleus/tracker-core/pkg/tracker"
)

var (
	cfg      *config.Config
	registry *tracker.Registry
	logger   *logging.Logger

	configPath string
	logLevel   string
	serviceArg []string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "bite",
	Short: "Query bugs, comments and changes across trackers",
	Long: `bite fetches bugs, comments and history from Bugzilla, Roundup and
Jira instances through one query model.

Services are configured in a YAML file (see --config); gentoo, mozilla and
python are built in.`,
	SilenceUsage:       true,
	PersistentPreRunE:  setup,
	PersistentPostRunE: teardown,
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger, err = logging.Init(logging.Config{
		Level:     level,
		Format:    cfg.LogFormat,
		SentryDSN: cfg.SentryDSN,
		LogFile:   cfg.LogFile,
		Output:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	registry, err = tracker.NewRegistry(cfg, logger.Logger)
	return err
}

func teardown(cmd *cobra.Command, args []string) error {
	defer logging.Flush(2 * time.Second)
	if registry == nil {
		return nil
	}
	return registry.Close()
}

var servicesCmd = &cobra.Command{
	Use:   "services",
	Short: "List configured services",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listServices(cmd.OutOrStdout(), registry)
	},
}

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search bugs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFetch(cmd, tracker.KindBug, queryFlags.ids)
	},
}

var commentsCmd = &cobra.Command{
	Use:   "comments <bug-id>...",
	Short: "Fetch the comments of bugs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFetch(cmd, tracker.KindComment, args)
	},
}

var changesCmd = &cobra.Command{
	Use:   "changes <bug-id>...",
	Short: "Fetch the history of bugs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFetch(cmd, tracker.KindChange, args)
	},
}

var timelineCmd = &cobra.Command{
	Use:   "timeline <bug-id>...",
	Short: "Comments and changes of bugs interleaved by time",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTimeline(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $TRACKER_CONFIG or the user config dir)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug|info|warn|error")
	rootCmd.PersistentFlags().StringArrayVarP(&serviceArg, "service", "s", nil, "Service name or alias (repeatable)")

	for _, c := range []*cobra.Command{searchCmd, commentsCmd, changesCmd, timelineCmd} {
		queryFlags.register(c)
	}
	searchCmd.Flags().StringSliceVar(&queryFlags.ids, "id", nil, "Restrict to bug ids")
	searchCmd.Flags().StringSliceVar(&queryFlags.status, "status", nil, "Accepted statuses (\"all\" matches any)")
	searchCmd.Flags().StringSliceVarP(&queryFlags.fields, "fields", "f", nil, "Fields to fetch and print")
	searchCmd.Flags().StringSliceVar(&queryFlags.sort, "sort", nil, "Sort keys in order, prefix with - for descending")
	searchCmd.Flags().StringVarP(&queryFlags.modified, "modified-after", "m", "", "Only bugs modified after this time")
	searchCmd.Flags().StringSliceVarP(&queryFlags.terms, "terms", "t", nil, "Words the summary must contain, ignoring case")
	for _, c := range []*cobra.Command{searchCmd, commentsCmd, changesCmd} {
		c.Flags().StringVar(&queryFlags.checkpoint, "since-last", "", "Only entities newer than the last clean run of this scope")
	}

	rootCmd.AddCommand(servicesCmd, searchCmd, commentsCmd, changesCmd, timelineCmd)
}
