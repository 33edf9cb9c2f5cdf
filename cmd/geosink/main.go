package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/geosink/geosink/internal/ingest"
	"github.com/geosink/geosink/pkg/config"
	"github.com/geosink/geosink/pkg/feature"
	"github.com/geosink/geosink/pkg/logger"
	"github.com/geosink/geosink/pkg/source"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "geosink",
		Short: "Geosink - schema-typed feature store ingest",
		Long: `Geosink ingests raw record streams into a schema-typed feature store.
It reconciles incoming schemas against the store catalog, pools write
channels across records, and reports exact per-batch success and failure
counts.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Geosink v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	var configFile, schemaFile, inputFile, format, logLevel string
	var timeout time.Duration

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a record file into the feature store",
		Long: `Ingest a record file into the feature store using the pipeline
configuration and declared schema.

Example:
  geosink ingest --config pipeline.yaml --schema flights.yaml --input flights.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(configFile, schemaFile, inputFile, format, logLevel, timeout)
		},
	}

	ingestCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to pipeline configuration YAML file (required)")
	ingestCmd.Flags().StringVarP(&schemaFile, "schema", "s", "", "Path to declared schema YAML file (required)")
	ingestCmd.Flags().StringVarP(&inputFile, "input", "i", "", "Path to the record file to ingest (required)")
	_ = ingestCmd.MarkFlagRequired("config")
	_ = ingestCmd.MarkFlagRequired("schema")
	_ = ingestCmd.MarkFlagRequired("input")

	ingestCmd.Flags().StringVar(&format, "format", "", "Input format (csv, avro); inferred from the file extension when empty")
	ingestCmd.Flags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	ingestCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Minute, "Ingest timeout")

	root.AddCommand(ingestCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// schemaDecl is the on-disk form of a declared schema.
type schemaDecl struct {
	TypeName   string `yaml:"type_name"`
	Attributes []struct {
		Name            string `yaml:"name"`
		Type            string `yaml:"type"`
		Geometry        bool   `yaml:"geometry"`
		DefaultGeometry bool   `yaml:"default_geometry"`
	} `yaml:"attributes"`
}

// loadSchemaFromFile loads a declared schema from a YAML file.
func loadSchemaFromFile(filename string) (*feature.Schema, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file %s: %w", filename, err)
	}

	var decl schemaDecl
	if err := yaml.Unmarshal(data, &decl); err != nil {
		return nil, fmt.Errorf("failed to parse schema file %s: %w", filename, err)
	}
	if decl.TypeName == "" {
		return nil, fmt.Errorf("schema file %s: type_name is required", filename)
	}
	if len(decl.Attributes) == 0 {
		return nil, fmt.Errorf("schema file %s: at least one attribute is required", filename)
	}

	schema := &feature.Schema{TypeName: decl.TypeName}
	for _, a := range decl.Attributes {
		schema.Attributes = append(schema.Attributes, feature.AttributeDescriptor{
			Name:              a.Name,
			Type:              feature.AttributeType(a.Type),
			IsGeometry:        a.Geometry,
			IsDefaultGeometry: a.DefaultGeometry,
		})
	}
	return schema, nil
}

// openSource picks a record source by explicit format or file extension.
func openSource(inputFile, format string, log *zap.Logger) (source.RecordSource, error) {
	if format == "" {
		name := strings.ToLower(inputFile)
		name = strings.TrimSuffix(name, ".gz")
		switch filepath.Ext(name) {
		case ".csv":
			format = "csv"
		case ".avro":
			format = "avro"
		default:
			return nil, fmt.Errorf("cannot infer format of %s; pass --format", inputFile)
		}
	}

	switch format {
	case "csv":
		return source.NewCSVSource(inputFile, log)
	case "avro":
		return source.NewAvroSource(inputFile, log)
	default:
		return nil, fmt.Errorf("unknown input format %q", format)
	}
}

// runIngest executes one ingest run end to end.
func runIngest(configFile, schemaFile, inputFile, format, logLevel string, timeout time.Duration) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("pipeline configuration error: %w", err)
	}
	if logLevel != "" {
		cfg.Observability.LogLevel = logLevel
	}

	if err := logger.Init(logger.Config{Level: cfg.Observability.LogLevel}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	log := logger.Get().With(
		zap.String("component", "geosink-cli"),
		zap.String("pipeline", cfg.Name),
	)

	schema, err := loadSchemaFromFile(schemaFile)
	if err != nil {
		return fmt.Errorf("schema declaration error: %w", err)
	}

	src, err := openSource(inputFile, format, log)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			log.Warn("failed to close input", zap.Error(cerr))
		}
	}()

	svc, err := ingest.NewService(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer func() {
		if serr := svc.Stop(); serr != nil {
			log.Warn("pipeline shutdown error", zap.Error(serr))
		}
	}()

	log.Info("starting ingest",
		zap.String("input", inputFile),
		zap.String("type_name", schema.TypeName),
		zap.Int("batch_size", cfg.Batch.Size))

	conv := source.NewMapConverter(schema)
	startTime := time.Now()
	var total ingest.Outcome

	for {
		outcome, err := svc.RunBatch(ctx, src, conv)
		total.SuccessCount += outcome.SuccessCount
		total.FailureCount += outcome.FailureCount
		if err != nil {
			return fmt.Errorf("ingest failed: %w", err)
		}
		if outcome.SuccessCount+outcome.FailureCount == 0 {
			break
		}
	}

	duration := time.Since(startTime)
	processed := total.SuccessCount + total.FailureCount

	log.Info("ingest completed",
		zap.Duration("duration", duration),
		zap.Int64("features_written", total.SuccessCount),
		zap.Int64("features_failed", total.FailureCount),
		zap.Float64("records_per_second", float64(processed)/duration.Seconds()))

	fmt.Printf("Ingested %d records: %d written, %d failed (%.1fs)\n",
		processed, total.SuccessCount, total.FailureCount, duration.Seconds())
	return nil
}
