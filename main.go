package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gbhla/gbhla/assembler"
	"github.com/gbhla/gbhla/config"
	"github.com/gbhla/gbhla/parser"
)

// Version information - can be overridden at build time with:
// go build -ldflags "-X main.Version=v1.2.3"
var Version = "dev"

type cliOptions struct {
	output       string
	symbols      string
	includePaths []string
	configPath   string
	dump         bool
	freeSpace    bool
	verbose      bool
}

func main() {
	opts := &cliOptions{}

	rootCmd := &cobra.Command{
		Use:     "gbhla [flags] input.asm",
		Short:   "Macro assembler and linker for Game Boy class targets",
		Version: Version,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], opts)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := rootCmd.Flags()
	flags.StringVarP(&opts.output, "output", "o", "", "Write the ROM image to this file")
	flags.StringVarP(&opts.symbols, "symbols", "s", "", "Write the symbol listing to this file")
	flags.StringArrayVarP(&opts.includePaths, "include-path", "I", nil, "Extra include search directory (repeatable)")
	flags.StringVar(&opts.configPath, "config", "", "Project configuration file (default: gbhla.toml next to the input)")
	flags.BoolVar(&opts.dump, "dump", false, "Print assembled sections to stdout")
	flags.BoolVar(&opts.freeSpace, "free-space", false, "Print per-layout free space after linking")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose output")

	if err := rootCmd.Execute(); err != nil {
		var perr *parser.Error
		if ok := asParserError(err, &perr); ok {
			printDiagnostic(perr)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func asParserError(err error, target **parser.Error) bool {
	if perr, ok := err.(*parser.Error); ok {
		*target = perr
		return true
	}
	return false
}

func run(input string, opts *cliOptions) error {
	configPath := opts.configPath
	if configPath == "" {
		configPath = filepath.Join(filepath.Dir(input), config.DefaultFilename)
	}
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return err
	}

	a := assembler.New()
	a.Verbose = opts.verbose
	if cfg.Assembler.MaxExpansions > 0 {
		a.MaxExpansions = cfg.Assembler.MaxExpansions
	}
	for _, dir := range cfg.Assembler.IncludePaths {
		a.AddIncludePath(dir)
	}
	for _, dir := range opts.includePaths {
		a.AddIncludePath(dir)
	}

	if perr := a.ProcessFile(input); perr != nil {
		return perr
	}
	if _, perr := a.Link(opts.freeSpace, os.Stdout); perr != nil {
		return perr
	}

	output := firstNonEmpty(opts.output, cfg.Output.Rom)
	if output != "" {
		rom, perr := a.BuildROM()
		if perr != nil {
			return perr
		}
		if err := os.WriteFile(output, rom, 0o644); err != nil {
			return err
		}
	}
	symbols := firstNonEmpty(opts.symbols, cfg.Output.Symbols)
	if symbols != "" {
		if err := a.SaveSymbols(symbols); err != nil {
			return err
		}
	}
	if opts.dump {
		a.Dump(os.Stdout)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// printDiagnostic reports a failed run: the message, the source position,
// and a marked neighbourhood of the offending line when the file is
// readable.
func printDiagnostic(err *parser.Error) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err.Message)
	tok := err.Token
	if tok == nil || tok.File == "" {
		return
	}
	fmt.Fprintf(os.Stderr, " at: %s:%d\n", tok.File, tok.Line)
	content, readErr := os.ReadFile(tok.File) // #nosec G304 -- echoing user source for diagnostics
	if readErr != nil {
		return
	}
	lines := strings.Split(string(content), "\n")
	fmt.Fprintln(os.Stderr, "-----")
	for n := max(0, tok.Line-3); n < min(len(lines), tok.Line+2); n++ {
		marker := " "
		if n == tok.Line-1 {
			marker = ">"
		}
		fmt.Fprintf(os.Stderr, "%s  %s\n", marker, strings.TrimRight(lines[n], " \t\r"))
	}
	fmt.Fprintln(os.Stderr, "-----")
}
