package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/facemood/internal/store"
	"github.com/andresmejia3/facemood/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	readingsSession string
	readingsLimit   int
	readingsAll     bool
)

var readingsCmd = &cobra.Command{
	Use:   "readings",
	Short: "List recorded sessions and their emotion readings",
	Long:  "Without flags, prints the readings of the most recent session. Use --sessions to list every session instead.",
	Run: func(cmd *cobra.Command, args []string) {
		db, err := openStore(cmd.Context())
		if err != nil {
			utils.Die("Failed to open reading store", err, nil)
		}
		if readingsAll {
			listSessions(cmd, db)
			return
		}
		listReadings(cmd, db)
	},
}

func init() {
	readingsCmd.Flags().StringVar(&readingsSession, "session", "", "Session ID (default: most recent)")
	readingsCmd.Flags().IntVar(&readingsLimit, "limit", 50, "Maximum readings to print (0 for all)")
	readingsCmd.Flags().BoolVar(&readingsAll, "sessions", false, "List sessions instead of readings")
	rootCmd.AddCommand(readingsCmd)
}

func listSessions(cmd *cobra.Command, db *store.Store) {
	sessions, err := db.ListSessions(cmd.Context())
	if err != nil {
		utils.Die("Failed to list sessions", err, nil)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions found in database.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tSOURCE\tMODEL\tSTARTED\tENDED\tREADINGS")
	fmt.Fprintln(w, "--\t------\t-----\t-------\t-----\t--------")
	for _, s := range sessions {
		ended := "running"
		if s.EndedAt != nil {
			ended = s.EndedAt.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n", s.ID, s.Source, s.Model, s.StartedAt.Local().Format("2006-01-02 15:04"), ended, s.Readings)
	}
	w.Flush()
}

func listReadings(cmd *cobra.Command, db *store.Store) {
	var id uuid.UUID
	var err error
	if readingsSession != "" {
		id, err = uuid.Parse(readingsSession)
		if err != nil {
			utils.Die("Invalid session ID", err, nil)
		}
	} else {
		id, err = db.LatestSession(cmd.Context())
		if errors.Is(err, store.ErrSessionNotFound) {
			fmt.Println("No sessions found in database.")
			return
		}
		if err != nil {
			utils.Die("Failed to find latest session", err, nil)
		}
	}

	readings, err := db.ListReadings(cmd.Context(), id, readingsLimit)
	if err != nil {
		utils.Die("Failed to list readings", err, nil)
	}
	if len(readings) == 0 {
		fmt.Printf("No readings recorded for session %s.\n", id)
		return
	}

	fmt.Printf("Session %s\n", id)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tLABEL\tCONFIDENCE\tREGION")
	fmt.Fprintln(w, "---\t----\t-----\t----------\t------")
	for _, r := range readings {
		fmt.Fprintf(w, "%d\t%s\t%s\t%.1f%%\t%d,%d %dx%d\n",
			r.Seq, r.TakenAt.Local().Format("15:04:05.000"), r.Label, r.Confidence*100,
			r.Region.X, r.Region.Y, r.Region.Width, r.Region.Height)
	}
	w.Flush()
}
