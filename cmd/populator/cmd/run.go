package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/solatis/populator/internal/core/api"
	"github.com/solatis/populator/internal/core/failures"
	"github.com/solatis/populator/internal/populate"
	"github.com/solatis/populator/internal/registry"
	"github.com/solatis/populator/internal/types"
)

var (
	runInput    string
	runTenant   string
	runUseStore bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Populate one JSON batch against a YAML catalog and print the result",
	Long: `run reads a populate request ({"recordType", "phase", "records", "prior"})
from --input (or stdin), applies the catalog's rule set and writes the
populated records and failures to stdout as JSON. Related-record datasets
and stored priors need --use-store.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
	flags := runCmd.Flags()
	flags.StringVar(&runInput, "input", "-", "request file, - for stdin")
	flags.StringVar(&runTenant, "tenant", "local", "tenant the batch belongs to")
	flags.BoolVar(&runUseStore, "use-store", false, "read related records and priors from the database")
}

// offlineRecords stands in for the store when none is opened. Related-record
// datasets then fail as isolated provider failures.
type offlineRecords struct{}

var errOffline = errors.New("related records are unavailable without --use-store")

func (offlineRecords) GetRecords(context.Context, string, string, []string) (map[types.RecordID]*types.Record, error) {
	return nil, errOffline
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	if cfg.Catalog.Path == "" {
		return fmt.Errorf("--catalog is required")
	}
	cat, err := registry.LoadCatalogFile(cfg.Catalog.Path)
	if err != nil {
		return err
	}

	req, err := readRequest(cmd.InOrStdin(), runInput)
	if err != nil {
		return err
	}

	var (
		loader = registry.StaticCatalog(cat)
		cache  *registry.Cache
		store  api.Store
	)
	if runUseStore {
		conn, dbStore, err := openStore(ctx, true)
		if err != nil {
			return err
		}
		defer conn.Close()
		cache = registry.NewCache(loader, dbStore, 0)
		store = dbStore
	} else {
		cache = registry.NewCache(loader, offlineRecords{}, 0)
	}

	engine := populate.NewEngine(populate.WithSink(failures.NewLogSink(nil)))
	svc, err := api.NewPopulateService(cache, engine, store, 0)
	if err != nil {
		return err
	}

	resp, err := svc.Populate(ctx, runTenant, req)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func readRequest(stdin io.Reader, path string) (*api.PopulateRequest, error) {
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}

	var req api.PopulateRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("failed to decode request: %w", err)
	}
	return &req, nil
}
