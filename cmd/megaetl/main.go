// Command megaetl runs an ingestion pipe for one of the built-in record types.
//
// Usage:
//
//	SOURCE_URL=http://0.0.0.0:8080 DATABASE_URL=postgres://... RECORD_TYPE=order megaetl run
//	megaetl parse-source kafka://broker:9092/orders
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/teltech/logger"
	"github.com/zpiroux/megaetl"
	"github.com/zpiroux/megaetl/entity"
	"github.com/zpiroux/megaetl/internal/pkg/source"
	"github.com/zpiroux/megaetl/pkg/pricefeed"
	"github.com/zpiroux/megaetl/recordtype/order"
	"github.com/zpiroux/megaetl/recordtype/transaction"
)

var log *logger.Log

func init() {
	log = logger.New()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if hints := errors.FlattenHints(err); hints != "" {
			fmt.Fprintf(os.Stderr, "Hint: %s\n", hints)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {

	var configFile string

	rootCmd := &cobra.Command{
		Use:   "megaetl",
		Short: "megaetl - ingest records from HTTP, Kafka or pub/sub into PostgreSQL",
		Long: `megaetl receives records from one source, transforms them with a record type
and writes the result to a PostgreSQL sink.

Settings are read from environment variables (DATABASE_URL, SOURCE_URL, RECORD_TYPE,
TI_API_KEY, ...) and an optional config file.

Examples:
  megaetl run                                # run with settings from env
  megaetl run --config megaetl.yaml          # run with settings from file
  megaetl parse-source redis://cache/orders  # show how a source URL is understood`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (yaml, toml or json)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the ingestion pipe until SIGINT/SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(configFile)
			if err != nil {
				return err
			}
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go ensureGracefulShutdown(ctx, cancel)
			return run(ctx, s)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "parse-source <uri>",
		Short: "Show the descriptor parsed from a source URI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			desc, err := source.Parse(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), desc)
			return nil
		},
	})

	return rootCmd
}

func run(ctx context.Context, s settings) error {

	if err := s.validate(); err != nil {
		return err
	}

	quotes, err := s.quoteSource()
	if err != nil {
		return err
	}

	config := s.pipeConfig()
	if err = registerRecordTypes(config, s, quotes); err != nil {
		return err
	}

	pipe, err := megaetl.New(ctx, config)
	if err != nil {
		return err
	}
	defer pipe.Close()

	log.Infof("[megaetl] starting pipe for record type %q, source: %s", s.RecordType, pipe.Source())
	if err = pipe.StartRecordType(ctx, s.RecordType); err != nil {
		return err
	}
	log.Infof("[megaetl] pipe stopped, metrics: %+v", pipe.Metrics())
	return nil
}

// registerRecordTypes registers all built-in record types. A custom table name only applies
// to the record type being run.
func registerRecordTypes(config *megaetl.Config, s settings, quotes pricefeed.QuoteSource) error {

	table := func(name string) string {
		if name == s.RecordType {
			return s.Table
		}
		return ""
	}

	for _, rt := range []entity.RecordType{
		order.New(table(order.Name)),
		order.NewSave(table(order.SaveName)),
		transaction.New(table(transaction.Name), quotes),
	} {
		if err := config.RegisterRecordType(rt); err != nil {
			return err
		}
	}
	return nil
}

func ensureGracefulShutdown(ctx context.Context, cancel context.CancelFunc) {

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	select {
	case sig := <-shutdown:
		log.Infof("[megaetl] received %s, initiating shutdown", sig)
		cancel()
	case <-ctx.Done():
	}
}
