package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vmsbus/vms-server/internal/audit"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the state transition journal",
}

var journalVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the journal hash chain",
	RunE:  runJournalVerify,
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent journal entries, newest first",
	RunE:  runJournalList,
}

var (
	journalLimit     int
	journalComponent string
	journalEventType string
)

func init() {
	journalListCmd.Flags().IntVarP(&journalLimit, "limit", "n", 20, "maximum number of entries")
	journalListCmd.Flags().StringVar(&journalComponent, "component", "", "filter by component (resolver, router, registry, broker)")
	journalListCmd.Flags().StringVar(&journalEventType, "event", "", "filter by event type")

	journalCmd.AddCommand(journalVerifyCmd)
	journalCmd.AddCommand(journalListCmd)
}

func openJournal() (*audit.Journal, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	j, err := audit.Open(cfg.Audit.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return j, nil
}

func runJournalVerify(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	if _, err := j.VerifyChain(); err != nil {
		return err
	}
	count, err := j.Count()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "journal intact: %d entries, head %s\n", count, j.LastHash())
	return nil
}

func runJournalList(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Query(audit.QueryOptions{
		EventType: journalEventType,
		Component: journalComponent,
		Limit:     journalLimit,
	})
	if err != nil {
		return err
	}

	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(entries)
}
