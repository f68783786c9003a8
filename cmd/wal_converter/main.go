package main

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"vectordb/internal/persistence"
)

type options struct {
	input       string
	output      string
	format      string
	inputFormat string
}

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "wal_converter",
		Short: "Convert WAL files between binary and text formats",
		Example: `  # Convert a binary WAL to text for inspection
  wal_converter --input products.wal --output products.txt --format text

  # Convert a text WAL back to binary
  wal_converter --input products.txt --output products.wal --format binary`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !validFormat(opts.format) {
				return fmt.Errorf("format must be 'binary' or 'text', got %q", opts.format)
			}
			if opts.inputFormat != "auto" && !validFormat(opts.inputFormat) {
				return fmt.Errorf("input-format must be 'auto', 'binary' or 'text', got %q", opts.inputFormat)
			}
			n, err := convertWAL(opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Converted %d records from %s to %s (format: %s)\n", n, opts.input, opts.output, opts.format)
			return nil
		},
	}
	cmd.SetOut(out)
	flags := cmd.Flags()
	flags.StringVar(&opts.input, "input", "", "input WAL file path")
	flags.StringVar(&opts.output, "output", "", "output WAL file path")
	flags.StringVar(&opts.format, "format", "text", "output format: binary or text")
	flags.StringVar(&opts.inputFormat, "input-format", "auto", "input format: auto, binary or text")
	_ = cmd.MarkFlagRequired("input")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func validFormat(f string) bool {
	return f == "binary" || f == "text"
}

func convertWAL(opts options) (int, error) {
	records, err := readRecords(opts.input, opts.inputFormat)
	if err != nil {
		return 0, fmt.Errorf("failed to read input records: %w", err)
	}

	outputFile, err := os.Create(opts.output)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file: %w", err)
	}
	defer outputFile.Close()

	encoder := persistence.EncoderFactory(opts.format, persistence.WALVersion)
	writer := bufio.NewWriter(outputFile)
	for i, record := range records {
		if err := encoder.EncodeRecord(writer, record); err != nil {
			return 0, fmt.Errorf("failed to encode record %d: %w", i, err)
		}
	}
	if err := writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush output: %w", err)
	}
	return len(records), outputFile.Close()
}

// readRecords tries the binary encoding first when the format is auto.
func readRecords(path, format string) ([]*persistence.WALRecord, error) {
	if format != "auto" {
		return persistence.ReadRecords(path, persistence.EncoderFactory(format, persistence.WALVersion))
	}
	records, binErr := persistence.ReadRecords(path, persistence.NewBinaryWALEncoder(persistence.WALVersion))
	if binErr == nil {
		return records, nil
	}
	records, textErr := persistence.ReadRecords(path, persistence.NewTextWALEncoder(persistence.WALVersion))
	if textErr != nil {
		return nil, fmt.Errorf("not a binary WAL (%v) nor a text WAL (%w)", binErr, textErr)
	}
	return records, nil
}
