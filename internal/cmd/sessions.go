package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Iron-Ham/autowriter/internal/config"
	"github.com/Iron-Ham/autowriter/internal/contract"
	"github.com/Iron-Ham/autowriter/internal/logging"
	"github.com/Iron-Ham/autowriter/internal/store"
	"github.com/Iron-Ham/autowriter/internal/util"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and clean up persisted sessions",
	Long: `Commands for listing, inspecting and pruning the sessions persisted under
the storage root. They read the storage directly and work whether or not a
coordinator is running; prune refuses to run while one holds the storage lock.`,
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session's state and latest document",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove finished sessions",
	Long: `Remove completed and failed sessions that have not changed for longer
than --older-than. Sessions that are still running or paused are kept.`,
	Args: cobra.NoArgs,
	RunE: runSessionsPrune,
}

var (
	sessionsOutput   string
	pruneOlderThan   time.Duration
	pruneDryRun      bool
	showDocumentBody bool
)

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsPruneCmd)

	sessionsCmd.PersistentFlags().StringVarP(&sessionsOutput, "output", "o", "table", "Output format (table/json/yaml)")
	sessionsShowCmd.Flags().BoolVar(&showDocumentBody, "document", false, "Print the latest document's sections")
	sessionsPruneCmd.Flags().DurationVar(&pruneOlderThan, "older-than", 7*24*time.Hour, "Minimum age since the last change")
	sessionsPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "List what would be removed without removing it")
}

func openStore() (*store.Store, error) {
	cfg := config.Get()
	st, err := store.NewOS(cfg.StorageDir(), logging.NopLogger())
	if err != nil {
		return nil, fmt.Errorf("failed to open storage at %s: %w", cfg.StorageDir(), err)
	}
	return st, nil
}

// sessionDetail is the show view of one session.
type sessionDetail struct {
	store.Info `yaml:",inline"`

	Results  int               `json:"results" yaml:"results"`
	Versions []uint64          `json:"document_versions,omitempty" yaml:"document_versions,omitempty"`
	Document *contract.Document `json:"document,omitempty" yaml:"document,omitempty"`
}

func runSessionsList(cmd *cobra.Command, _ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	infos, err := st.ListSessions()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch sessionsOutput {
	case "json", "yaml":
		return encode(out, sessionsOutput, infos)
	}

	if len(infos) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}
	if holder, ok := st.Holder(); ok {
		fmt.Fprintf(out, "Coordinator running (pid %d on %s since %s)\n\n",
			holder.PID, holder.Hostname, holder.StartedAt.Format(time.RFC822))
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPHASE\tUPDATED\tOBJECTIVE")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
			info.ID, info.Phase, info.UpdatedAt.Format(time.RFC822), util.Summarize(info.Objective, 60))
	}
	return tw.Flush()
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	info, err := st.Info(args[0])
	if err != nil {
		return err
	}
	results, err := st.ReadResults(info.ID)
	if err != nil {
		return err
	}
	versions, err := st.DocumentVersions(info.ID)
	if err != nil {
		return err
	}
	detail := sessionDetail{Info: info, Results: len(results), Versions: versions}
	if doc, err := st.LatestDocument(info.ID); err == nil {
		detail.Document = &doc
	}

	out := cmd.OutOrStdout()
	switch sessionsOutput {
	case "json", "yaml":
		return encode(out, sessionsOutput, detail)
	}

	fmt.Fprintf(out, "Session:   %s\n", info.ID)
	fmt.Fprintf(out, "Objective: %s\n", info.Objective)
	fmt.Fprintf(out, "Phase:     %s\n", info.Phase)
	if info.Failure != "" {
		fmt.Fprintf(out, "Failure:   %s\n", info.Failure)
	}
	fmt.Fprintf(out, "Created:   %s\n", info.CreatedAt.Format(time.RFC822))
	fmt.Fprintf(out, "Updated:   %s\n", info.UpdatedAt.Format(time.RFC822))
	fmt.Fprintf(out, "Results:   %d\n", detail.Results)
	if detail.Document == nil {
		return nil
	}
	fmt.Fprintf(out, "Document:  v%d, %d section(s)\n", detail.Document.Version, len(detail.Document.Sections))
	if !showDocumentBody {
		return nil
	}
	fmt.Fprintf(out, "\n# %s\n", detail.Document.Title)
	for _, s := range detail.Document.Sections {
		fmt.Fprintf(out, "\n## %s\n\n%s\n", s.Title, s.Content)
	}
	return nil
}

func runSessionsPrune(cmd *cobra.Command, _ []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	cutoff := time.Now().Add(-pruneOlderThan)

	if pruneDryRun {
		infos, err := st.ListSessions()
		if err != nil {
			return err
		}
		n := 0
		for _, info := range infos {
			if info.Terminal() && info.UpdatedAt.Before(cutoff) {
				fmt.Fprintf(out, "Would remove %s (%s)\n", info.ID, info.Phase)
				n++
			}
		}
		fmt.Fprintf(out, "%d session(s) would be removed\n", n)
		return nil
	}

	lock, err := st.AcquireLock()
	if err != nil {
		return fmt.Errorf("cannot prune while a coordinator is running: %w", err)
	}
	defer func() { _ = lock.Release() }()

	removed, err := st.Prune(cutoff)
	for _, id := range removed {
		fmt.Fprintf(out, "Removed %s\n", id)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Removed %d session(s)\n", len(removed))
	return nil
}

func encode(w io.Writer, format string, v any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
