// eboekhouden-analyze samples the E-Boekhouden administration of a business and prints
// the type and ledger distribution with suggested mappings as YAML. With -apply the
// suggestions are stored as inactive drafts.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/verenigingen/eboekhouden/config"
	"github.com/verenigingen/eboekhouden/migration"
	"github.com/verenigingen/eboekhouden/store"
	"github.com/verenigingen/eboekhouden/utils"
	"gopkg.in/yaml.v3"
)

const connectAttempts = 5

func main() {
	businessID := flag.String("business", "", "Required: business id")
	fromID := flag.Int64("from", 0, "First mutation id of the sample")
	toID := flag.Int64("to", 0, "Last mutation id of the sample; 0 means the highest id")
	fromDate := flag.String("from-date", "", "Sample by date from this day (YYYY-MM-DD)")
	toDate := flag.String("to-date", "", "Sample by date up to this day (YYYY-MM-DD)")
	limit := flag.Int("limit", migration.DefaultSampleSize, "Maximum number of mutations in an id sample")
	apply := flag.Bool("apply", false, "Store the suggestions as inactive mapping drafts")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "-business is required")
		os.Exit(1)
	}

	if err := config.ConnectDatabaseWithRetry(connectAttempts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	db := config.GetDB()
	gormStore := store.NewGormStore(db)
	svc := migration.NewService(gormStore, gormStore)

	ctx := utils.SetBusinessIdInContext(context.Background(), *businessID)
	req := migration.AnalyzeRequest{
		FromId:   *fromID,
		ToId:     *toID,
		FromDate: *fromDate,
		ToDate:   *toDate,
		Limit:    *limit,
	}

	var out any
	if *apply {
		resp, err := svc.ApplySuggestions(ctx, *businessID, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "apply suggestions: %v\n", err)
			os.Exit(1)
		}
		out = map[string]any{"created": len(resp.Created), "existing": resp.Existing}
	} else {
		analysis, err := svc.Analyze(ctx, *businessID, req)
		if err != nil {
			fmt.Fprintf(os.Stderr, "analyze: %v\n", err)
			os.Exit(1)
		}
		out = analysis
	}

	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
	_ = enc.Close()
}
