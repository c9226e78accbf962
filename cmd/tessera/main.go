// Command tessera runs a JSON encoded relation locally and writes its result
// to files.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/tessera-db/tessera/pkg/engine"
)

func main() {
	var (
		cfg          engine.Config
		logLevel     dslog.Level
		configFile   string
		relationFile string
		outputDir    string
		explain      bool
	)
	flag.StringVar(&configFile, "config.file", "", "Configuration file to load.")
	flag.StringVar(&relationFile, "relation", "-", "File holding the JSON encoded relation to run. Use - to read from stdin.")
	flag.StringVar(&outputDir, "output", "", "Directory or object storage URL the result is written to.")
	flag.BoolVar(&explain, "explain", false, "Print the logical plan of the relation instead of running it.")
	_ = logLevel.Set("info")
	flag.Var(&logLevel, "log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	logger := level.NewFilter(log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr)), logLevel.Option)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	if configFile != "" {
		if err := readConfig(configFile, &cfg); err != nil {
			level.Error(logger).Log("msg", "error loading config", "filename", configFile, "err", err)
			os.Exit(1)
		}
	}

	relation, err := readRelation(relationFile)
	if err != nil {
		level.Error(logger).Log("msg", "error reading relation", "filename", relationFile, "err", err)
		os.Exit(1)
	}

	e, err := engine.New(engine.Params{Logger: logger, Config: cfg})
	if err != nil {
		level.Error(logger).Log("msg", "error initialising engine", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if explain {
		plan, err := e.Explain(ctx, relation)
		if err != nil {
			level.Error(logger).Log("msg", "error planning relation", "err", err)
			os.Exit(1)
		}
		fmt.Print(plan)
		return
	}

	if outputDir == "" {
		level.Error(logger).Log("msg", "-output is required")
		os.Exit(1)
	}

	manifest, err := e.Run(ctx, relation, outputDir)
	if err != nil {
		level.Error(logger).Log("msg", "error running relation", "err", err)
		os.Exit(1)
	}
	if manifest == nil {
		level.Info(logger).Log("msg", "relation produced no rows")
		return
	}
	defer manifest.Release()

	printManifest(os.Stdout, manifest)
}

func readConfig(filename string, cfg *engine.Config) error {
	buf, err := os.ReadFile(filepath.Clean(filename))
	if err != nil {
		return errors.Wrap(err, "error reading config file")
	}

	if err := yaml.UnmarshalStrict(buf, cfg); err != nil {
		return errors.Wrap(err, "error parsing config file")
	}
	return cfg.Validate()
}

func readRelation(filename string) ([]byte, error) {
	if filename == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(filepath.Clean(filename))
}

// printManifest writes one tab separated line per written file, preceded by
// the column names.
func printManifest(w io.Writer, manifest arrow.Record) {
	names := make([]string, manifest.NumCols())
	for i := range names {
		names[i] = manifest.ColumnName(i)
	}
	fmt.Fprintln(w, strings.Join(names, "\t"))

	values := make([]string, manifest.NumCols())
	for row := 0; row < int(manifest.NumRows()); row++ {
		for i, col := range manifest.Columns() {
			values[i] = col.ValueStr(row)
		}
		fmt.Fprintln(w, strings.Join(values, "\t"))
	}
}
