package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"github.com/riskspot/riskspot/pkg/config"
	"github.com/riskspot/riskspot/pkg/predictor"
	"github.com/riskspot/riskspot/pkg/riskstore"
)

var (
	topLimit          int
	topLive           bool
	topInstallationID int64
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Show the riskiest tracked files",
	Long: `Show the highest-risk tracked files from the store. With --live,
fetch fresh predictions from the predictor for one installation instead
of reading stored scores.`,
	RunE: runTop,
}

func init() {
	topCmd.Flags().IntVar(&topLimit, "limit", 20,
		"number of files to show")
	topCmd.Flags().BoolVar(&topLive, "live", false,
		"query the predictor instead of the store")
	topCmd.Flags().Int64Var(&topInstallationID, "installation-id", 0,
		"installation to query (required with --live)")

	rootCmd.AddCommand(topCmd)
}

func runTop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var rows []topRow

	if topLive {
		rows, err = liveRows(cmd, cfg)
	} else {
		rows, err = storedRows(cmd, cfg)
	}

	if err != nil {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header([]string{
		"Rank", "Repository", "File", "Risk", "Predicted", "Label",
	})

	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignRight
	})

	var data [][]string
	for i, row := range rows {
		data = append(data, []string{
			strconv.Itoa(i + 1),
			row.repo,
			row.filePath,
			fmt.Sprintf("%.4f", row.risk),
			fmt.Sprintf("%.4f", row.predicted),
			riskLabel(row.risk),
		})
	}

	if err := table.Bulk(data); err != nil {
		return err
	}

	if err := table.Render(); err != nil {
		return err
	}

	fmt.Printf("Showing top %d of at most %d files\n", len(rows), topLimit)

	return nil
}

type topRow struct {
	repo      string
	filePath  string
	risk      float64
	predicted float64
}

// storedRows reads the highest stored risk scores from the store.
func storedRows(cmd *cobra.Command, cfg *config.Config) ([]topRow, error) {
	ctx := cmd.Context()

	store := riskstore.NewStore(log, &cfg.Database)
	if err := store.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := store.Stop(); err != nil {
			log.WithError(err).Warn("Store stop error")
		}
	}()

	files, err := store.ListTopFiles(ctx, topLimit)
	if err != nil {
		return nil, fmt.Errorf("listing top files: %w", err)
	}

	rows := make([]topRow, 0, len(files))
	for _, f := range files {
		rows = append(rows, topRow{
			repo:      f.Owner + "/" + f.RepoName,
			filePath:  f.FilePath,
			risk:      f.RiskScore,
			predicted: f.PredictedRiskScore,
		})
	}

	return rows, nil
}

// liveRows fetches fresh predictions for one installation from the
// predictor.
func liveRows(cmd *cobra.Command, cfg *config.Config) ([]topRow, error) {
	if topInstallationID == 0 {
		return nil, fmt.Errorf("--installation-id is required with --live")
	}

	pred := predictor.NewHTTPClient(log, &cfg.Predictor)

	results, err := pred.QueryBatch(
		cmd.Context(), topInstallationID, topLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying predictions: %w", err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].PredictedRiskScore > results[j].PredictedRiskScore
	})

	rows := make([]topRow, 0, len(results))
	for _, r := range results {
		rows = append(rows, topRow{
			repo:      r.Key.Owner + "/" + r.Key.RepoName,
			filePath:  r.Key.FilePath,
			risk:      r.RiskScore,
			predicted: r.PredictedRiskScore,
		})
	}

	return rows, nil
}

var (
	highColor     = color.New(color.FgRed, color.Bold)
	moderateColor = color.New(color.FgYellow)
	lowColor      = color.New(color.FgGreen)
)

// riskLabel colors a score bucket for console output.
func riskLabel(score float64) string {
	switch {
	case score >= 0.66:
		return highColor.Sprint("High")
	case score >= 0.33:
		return moderateColor.Sprint("Moderate")
	default:
		return lowColor.Sprint("Low")
	}
}
