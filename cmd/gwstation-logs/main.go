// gwstation-logs is a read-only CLI over the gateway's local audit/status
// database: uplinks, downlinks, slave restarts, CUPS runs, and TC
// reconnects. The running daemon writes the uplink, downlink and CUPS-run
// rows; it does not write slave-restart or TC-reconnect rows.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/agsys/gwstation/internal/storage"
)

var (
	dbPath  string
	limit   int
	rootCmd = &cobra.Command{
		Use:   "gwstation-logs",
		Short: "Inspect the gwstation local audit log",
	}

	uplinksCmd = &cobra.Command{
		Use:   "uplinks",
		Short: "Show recent received frames",
		RunE:  showUplinks,
	}

	downlinksCmd = &cobra.Command{
		Use:   "downlinks",
		Short: "Show recent transmitted frames",
		RunE:  showDownlinks,
	}

	restartsCmd = &cobra.Command{
		Use:   "restarts",
		Short: "Show slave process restarts",
		RunE:  showRestarts,
	}

	cupsCmd = &cobra.Command{
		Use:   "cups",
		Short: "Show CUPS resync runs",
		RunE:  showCupsRuns,
	}

	tcCmd = &cobra.Command{
		Use:   "tc",
		Short: "Show TC reconnects",
		RunE:  showTCReconnects,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SELECT query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/gwstation/gwstation.db", "Database file path")
	rootCmd.PersistentFlags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(uplinksCmd)
	rootCmd.AddCommand(downlinksCmd)
	rootCmd.AddCommand(restartsCmd)
	rootCmd.AddCommand(cupsCmd)
	rootCmd.AddCommand(tcCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*storage.DB, error) {
	return storage.Open(dbPath)
}

func showUplinks(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.RecentUplinks(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSLAVE\tXTIME\tFREQ\tSF\tBW\tRSSI\tSNR\tLEN\tRECEIVED")
	fmt.Fprintln(w, "--\t-----\t-----\t----\t--\t--\t----\t---\t---\t--------")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%d\t%d\t%.1f\t%d\t%s\n",
			r.ID, r.SlaveIdx, r.XTime, r.FreqHz, r.SF, r.BW, r.RSSI, r.SNR, r.PayloadLen,
			r.ReceivedAt.Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showDownlinks(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.RecentDownlinks(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTXUNIT\tXTIME\tFREQ\tSTATUS\tSENT")
	fmt.Fprintln(w, "--\t------\t-----\t----\t------\t----")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%d\t%s\n",
			r.ID, r.TxUnit, r.XTime, r.FreqHz, r.Status, r.SentAt.Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showRestarts(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.RecentSlaveRestarts(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSLAVE\tCOUNT\tREASON\tOCCURRED")
	fmt.Fprintln(w, "--\t-----\t-----\t------\t--------")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n",
			r.ID, r.SlaveIdx, r.RestartCount, r.Reason, r.OccurredAt.Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showCupsRuns(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.RecentCupsRuns(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCRED SET\tOK\tFAILS\tCUPS URI\tTC URI\tUPDATE\tOCCURRED")
	fmt.Fprintln(w, "--\t--------\t--\t-----\t--------\t------\t------\t--------")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\t%s\t%s\n",
			r.ID, r.CredSet, yesNo(r.Success), r.FailCount,
			yesNo(r.CupsURIChanged), yesNo(r.TCURIChanged), yesNo(r.UpdateApplied),
			r.OccurredAt.Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showTCReconnects(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.RecentTCReconnects(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tFROM\tTO\tRETRIES\tOCCURRED")
	fmt.Fprintln(w, "--\t----\t--\t-------\t--------")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n",
			r.ID, r.FromState, r.ToState, r.Retries, r.OccurredAt.Format("01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func yesNo(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}

// executeQuery bypasses internal/storage for ad hoc inspection, opening
// the file read-only so it can never race the daemon's writer connection.
func executeQuery(cmd *cobra.Command, args []string) error {
	query := args[0]
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	conn, err := sql.Open("sqlite3", dbPath+"?mode=ro")
	if err != nil {
		return err
	}
	defer conn.Close()

	rows, err := conn.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}
		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return nil
}
