package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/keepsake/keepsake/internal/graph"
)

var (
	contextFocus  string
	contextBudget int
)

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Print the assembled context document",
	RunE:  runContext,
}

func init() {
	contextCmd.Flags().StringVar(&contextFocus, "focus", "", "entity to front-load")
	contextCmd.Flags().IntVar(&contextBudget, "budget", 0, "token budget (default from config)")
}

func runContext(cmd *cobra.Command, args []string) error {
	cfg, db, err := openStore()
	if err != nil {
		return err
	}
	defer db.Close()

	budget := contextBudget
	if budget <= 0 {
		budget = cfg.Context.TokenBudget
	}

	g, err := graph.Load(db)
	if err != nil {
		return err
	}
	doc, err := graph.BuildDocument(g, graph.DocumentOptions{
		Focus:       contextFocus,
		MaxEntities: cfg.Context.MaxEntities,
		TokenBudget: budget,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "%d tokens, %d entities", doc.Tokens, doc.Entities)
	if doc.Truncated {
		fmt.Fprint(os.Stderr, " (truncated)")
	}
	fmt.Fprintln(os.Stderr)
	fmt.Print(doc.Text)
	return nil
}
