package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"execspec/internal/arena"
	"execspec/internal/color"
	"execspec/internal/matcher"
	"execspec/internal/report"
	"execspec/internal/runner"
	"execspec/internal/spec"
	"execspec/pkg/logging"
)

// Exit codes of the runner binary.
const (
	ExitCodeTestFailed    = 1
	ExitCodeInvalidInput  = 2
	ExitCodeInternalError = 3
)

var (
	colorFlag     string
	formatFlag    string
	teeStdoutFlag bool
	teeStderrFlag bool
	debugFlag     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "execspec [flags] [FILES]...",
	Short: "Run declarative end-to-end tests for command-line programs",
	Long: `execspec reads YAML documents describing test cases, runs the
commands they declare (foreground and background), captures their output
and evaluates the expectations against it.

A single "-" in FILES reads the document from stdin.`,
	// SilenceUsage is set to true to prevent printing usage message on
	// errors handled by us (failed tests, invalid documents).
	SilenceUsage:  true,
	SilenceErrors: true,
}

var exitCode int

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	rootCmd.SetVersionTemplate(`{{printf "execspec version %s\n" .Version}}`)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitCodeInvalidInput
	}
	return exitCode
}

func init() {
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.Flags().StringVar(&colorFlag, "color", "auto", "color output: auto, always or never")
	rootCmd.Flags().StringVar(&formatFlag, "format", "simple", "report format: simple or json")
	rootCmd.Flags().BoolVar(&teeStdoutFlag, "tee-stdout", false, "forward every process's stdout to the runner's stdout")
	rootCmd.Flags().BoolVar(&teeStderrFlag, "tee-stderr", false, "forward every process's stderr to the runner's stdout")
	rootCmd.Flags().BoolVar(&debugFlag, "debug", false, "enable debug logging")

	rootCmd.RunE = runRoot
}

func runRoot(cmd *cobra.Command, args []string) error {
	level := logging.LevelWarn
	if debugFlag {
		level = logging.LevelDebug
	}
	logging.Init(level, os.Stderr)

	switch colorFlag {
	case "auto", "always", "never":
	default:
		return fmt.Errorf("invalid --color value %q", colorFlag)
	}
	var formatter report.Formatter
	switch formatFlag {
	case "simple":
		formatter = report.NewSimpleFormatter()
	case "json":
		formatter = report.NewJSONFormatter()
	default:
		return fmt.Errorf("invalid --format value %q", formatFlag)
	}

	if dup := duplicatedFiles(args); len(dup) > 0 {
		fmt.Fprintf(os.Stderr, "duplicated input files: %s\n", strings.Join(dup, ", "))
		exitCode = ExitCodeInvalidInput
		return nil
	}

	files, ok := parseFiles(args)
	if !ok {
		exitCode = ExitCodeInvalidInput
		return nil
	}

	color.Initialize(color.Mode(colorFlag))

	supplier, err := arena.NewSupplier()
	if err != nil {
		fmt.Fprintf(os.Stderr, "internal error: %v\n", err)
		exitCode = ExitCodeInternalError
		return nil
	}
	defer supplier.Close()

	r := &runner.Runner{
		Registry:       matcher.NewRegistry(),
		Supplier:       supplier,
		Reporter:       report.NewReporter(os.Stdout, formatter),
		ForceTeeStdout: teeStdoutFlag,
		ForceTeeStderr: teeStderrFlag,
	}

	summary, err := r.Run(files)
	if err != nil {
		fmt.Fprintf(os.Stderr, "internal error: %v\n", err)
		exitCode = ExitCodeInternalError
		return nil
	}

	if !summary.AllPassed() {
		exitCode = ExitCodeTestFailed
	}
	return nil
}

func duplicatedFiles(args []string) []string {
	seen := map[string]bool{}
	var dup []string
	for _, f := range args {
		if seen[f] {
			dup = append(dup, f)
			continue
		}
		seen[f] = true
	}
	return dup
}

// parseFiles loads and validates every input document, printing all
// violations before giving up.
func parseFiles(args []string) ([]*spec.File, bool) {
	var files []*spec.File
	var parseErrs []*spec.ParseError

	for _, filename := range args {
		if filename == "-" {
			f, perr := spec.Parse("<stdin>", os.Stdin)
			if perr != nil {
				parseErrs = append(parseErrs, perr)
				continue
			}
			files = append(files, f)
			continue
		}
		fh, err := os.Open(filename)
		if err != nil {
			parseErrs = append(parseErrs, &spec.ParseError{
				Filename: filename,
				Message:  fmt.Sprintf("cannot open: %v", err),
			})
			continue
		}
		f, perr := spec.Parse(filename, fh)
		fh.Close()
		if perr != nil {
			parseErrs = append(parseErrs, perr)
			continue
		}
		files = append(files, f)
	}

	if len(parseErrs) > 0 {
		for _, perr := range parseErrs {
			fmt.Fprintf(os.Stderr, "%s: %s\n", perr.Filename, perr.Message)
			for _, violation := range perr.Violations {
				fmt.Fprintln(os.Stderr, violation.String())
			}
		}
		return nil, false
	}
	return files, true
}
