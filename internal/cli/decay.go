package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Run one decay and archival pass",
	RunE:  runDecay,
}

func runDecay(cmd *cobra.Command, args []string) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	eng := buildEngine(cfg, db)
	report, err := eng.RunDecayPass()
	if err != nil {
		return err
	}

	fmt.Printf("scanned %d, decayed %d, archived %d, expired %d, failed %d\n",
		report.Scanned, report.Decayed, report.Archived, report.Expired, report.Failed)
	return nil
}
