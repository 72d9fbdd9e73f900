// Code written 2021 by David Parker.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const version string = "0.0.1"

// The string below will be replaced during build time using
// -ldflags "-X main.compileDate=`date -u +.%Y%m%d.%H%M%S"`"
var compileDate string = ".unknown"

var own_name string = "rex"

func exitGracefully(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func check(e error) {
	if e != nil {
		exitGracefully(e)
	}
}

// prompt reads one line interactively, used when a required value was not
// given on the command line.
func prompt(reader *bufio.Reader, question, hint string) string {
	fmt.Printf("%s: ", question)
	answer, err := reader.ReadString('\n')
	if err != nil {
		exitGracefully(errors.New(hint))
	}
	return strings.TrimSuffix(answer, "\n")
}

// splitSubjects parses a comma separated subject label list.
func splitSubjects(s string) []string {
	if s == "" {
		return nil
	}
	var labels []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			labels = append(labels, part)
		}
	}
	return labels
}

func main() {

	log.SetFlags(0)

	const (
		errorConfigFile = "the current directory is not a rex directory. Change to the correct directory first or create a new folder by running\n\n\trex init project01\n "
	)

	initCommand := flag.NewFlagSet("init", flag.ContinueOnError)
	configCommand := flag.NewFlagSet("config", flag.ContinueOnError)
	statusCommand := flag.NewFlagSet("status", flag.ContinueOnError)
	exportCommand := flag.NewFlagSet("export", flag.ContinueOnError)
	importCommand := flag.NewFlagSet("import", flag.ContinueOnError)
	reviewCommand := flag.NewFlagSet("review", flag.ContinueOnError)
	mcpCommand := flag.NewFlagSet("mcp", flag.ContinueOnError)

	var host string
	initCommand.StringVar(&host, "host", "", "Address of the imaging repository, for example ss.ce.flywheel.io.")
	configCommand.StringVar(&host, "host", "", "Address of the imaging repository, for example ss.ce.flywheel.io.")
	var api_key string
	initCommand.StringVar(&api_key, "key", "", "Your API key for the repository. Keep this secret, it grants your full access rights.")
	configCommand.StringVar(&api_key, "key", "", "Your API key for the repository. Keep this secret, it grants your full access rights.")
	var output_dir string
	initCommand.StringVar(&output_dir, "output", ".", "Directory the exported spreadsheets are written to.")
	configCommand.StringVar(&output_dir, "output", "", "Directory the exported spreadsheets are written to.")
	var init_help bool
	initCommand.BoolVar(&init_help, "help", false, "Show help for init.")

	var depth_first bool
	configCommand.BoolVar(&depth_first, "depth_first", false, "Walk the hierarchy depth-first instead of breadth-first. The exported\nrows are the same, only their order changes.")
	exportCommand.BoolVar(&depth_first, "depth_first", false, "Walk the hierarchy depth-first instead of breadth-first. The exported\nrows are the same, only their order changes.")
	var config_debug bool
	configCommand.BoolVar(&config_debug, "debug", false, "Log every curated container, not just the anomalies.")
	var config_help bool
	configCommand.BoolVar(&config_help, "help", false, "Print help for config.")

	var status_all bool
	statusCommand.BoolVar(&status_all, "all", false, "Display all information, including the stored API key.")
	var status_help bool
	statusCommand.BoolVar(&status_help, "help", false, "Show help for status.")

	var project_ref string
	exportCommand.StringVar(&project_ref, "project", "", "The project to export, either an id or group/label.")
	importCommand.StringVar(&project_ref, "project", "", "The project the table rows are mapped into, either an id or group/label.")
	var export_subjects string
	exportCommand.StringVar(&export_subjects, "subjects", "", "Only walk the subjects with these labels, comma separated. Default is all subjects.")
	var export_out string
	exportCommand.StringVar(&export_out, "out", "", "Write the spreadsheet to this exact path instead of the timestamped\ndefault name in the output directory.")
	var dry_run bool
	exportCommand.BoolVar(&dry_run, "dry_run", false, "Walk and report, write nothing.")
	importCommand.BoolVar(&dry_run, "dry_run", false, "Report what would change, write nothing.")
	var export_debug bool
	exportCommand.BoolVar(&export_debug, "debug", false, "Log every curated container, not just the anomalies.")
	var export_help bool
	exportCommand.BoolVar(&export_help, "help", false, "Show help for export.")

	var import_file string
	importCommand.StringVar(&import_file, "file", "", "The csv or tsv table to import. A .tsv name switches to tab separated parsing.")
	var mapping_column string
	importCommand.StringVar(&mapping_column, "mapping_column", "label", "The column whose value names the container each row belongs to.")
	var import_level string
	importCommand.StringVar(&import_level, "level", "acquisition", "Hierarchy level the rows map onto, one of subject, session, acquisition.")
	var import_files bool
	importCommand.BoolVar(&import_files, "files", false, "Map rows onto the files attached at the chosen level instead of the\ncontainers themselves. The mapping column then matches file names.")
	var import_destination string
	importCommand.StringVar(&import_destination, "destination", "info", "Dotted key below which the row's cells are stored, for example info.clinical.")
	var import_overwrite bool
	importCommand.BoolVar(&import_overwrite, "overwrite", false, "Replace metadata values that already exist. Default keeps them.")
	var import_help bool
	importCommand.BoolVar(&import_help, "help", false, "Show help for import.")

	var review_file string
	reviewCommand.StringVar(&review_file, "file", "", "The exported spreadsheet to browse. Default is the last export of this directory.")
	var review_help bool
	reviewCommand.BoolVar(&review_help, "help", false, "Show help for review.")

	var mcp_http string
	mcpCommand.StringVar(&mcp_http, "http", "", "If set, serve MCP over a streamable HTTP endpoint at this address\ninstead of stdio, for example localhost:8080.")
	var mcp_help bool
	mcpCommand.BoolVar(&mcp_help, "help", false, "Show help for mcp.")

	own_name = os.Args[0]
	flag.Usage = func() {
		fmt.Printf("rex - ROI Export\n")
		fmt.Printf("Version: %s%s\n", version, compileDate)
		fmt.Println(" A tool to pull region-of-interest annotations out of a medical imaging")
		fmt.Println(" repository. It walks a project's hierarchy, collects rectangle and")
		fmt.Println(" ellipse annotations from both metadata formats in use, locates the DICOM")
		fmt.Printf(" archive member each one was drawn on and writes a single spreadsheet.\n\n")
		fmt.Printf("Usage: %s [init|config|status|export|import|review|mcp] [options]\n\tStart with init to connect a new folder to your repository:\n\n\t%s init <folder>\n\n", os.Args[0], os.Args[0])
		fmt.Printf("Option init:\n  Connect a folder to a repository and store the API key.\n\n")
		initCommand.PrintDefaults()
		fmt.Printf("\nOption config:\n  Change the stored settings of this folder.\n\n")
		configCommand.PrintDefaults()
		fmt.Printf("\nOption status:\n  Show the stored settings and the last export.\n\n")
		statusCommand.PrintDefaults()
		fmt.Printf("\nOption export:\n  Walk a project and write its ROI spreadsheet.\n\n")
		exportCommand.PrintDefaults()
		fmt.Printf("\nOption import:\n  Push a spreadsheet of metadata back into a project.\n\n")
		importCommand.PrintDefaults()
		fmt.Printf("\nOption review:\n  Browse an exported spreadsheet in the terminal.\n\n")
		reviewCommand.PrintDefaults()
		fmt.Printf("\nOption mcp:\n  Serve the exporter as a set of model context protocol tools.\n\n")
		mcpCommand.PrintDefaults()
		fmt.Println("")
	}

	if len(os.Args) < 2 {
		flag.Usage()
		os.Exit(-1)
	}

	p := message.NewPrinter(language.English)

	switch os.Args[1] {
	case "init":
		if err := initCommand.Parse(os.Args[2:]); err != nil {
			return
		}
		if init_help {
			initCommand.PrintDefaults()
			return
		}
		input_dir := "."
		values := initCommand.Args()
		if len(values) > 1 {
			exitGracefully(errors.New("we need a single folder specified"))
		} else if len(values) == 1 {
			input_dir = initCommand.Arg(0)
		}

		dir_path := filepath.Join(input_dir, ".rex")
		if _, err := os.Stat(dir_path); !os.IsNotExist(err) {
			exitGracefully(errors.New("this folder has already been initialized. Delete the .rex directory to do this again"))
		}
		if host == "" || api_key == "" {
			reader := bufio.NewReader(os.Stdin)
			if host == "" {
				host = prompt(reader, "Repository host", "we need the repository address. Add with\n\t--host \"<address>\"")
			}
			if api_key == "" {
				api_key = prompt(reader, "API key", "we need your API key. Add with\n\t--key \"<key>\"")
			}
		}
		if _, err := os.Stat(input_dir); os.IsNotExist(err) {
			if err := os.Mkdir(input_dir, 0755); os.IsExist(err) {
				exitGracefully(errors.New("directory exist already"))
			}
		}
		if err := os.Mkdir(dir_path, 0700); os.IsExist(err) {
			exitGracefully(errors.New("directory already exists"))
		}
		data := Config{
			Date:      time.Now().String(),
			Host:      host,
			APIKey:    api_key,
			OutputDir: output_dir,
		}
		check(data.writeConfig(configPath(input_dir)))
		fmt.Printf("Initialized %s for %s. Try\n\n\t%s export --project <group/label>\n\n", input_dir, host, own_name)

	case "config":
		if err := configCommand.Parse(os.Args[2:]); err != nil {
			return
		}
		if config_help {
			configCommand.PrintDefaults()
			return
		}
		config, err := readConfig(configPath("."))
		if err != nil {
			exitGracefully(errors.New(errorConfigFile))
		}
		if host != "" {
			config.Host = host
		}
		if api_key != "" {
			config.APIKey = api_key
		}
		if output_dir != "" {
			config.OutputDir = output_dir
		}
		if flagWasSet(configCommand, "depth_first") {
			config.DepthFirst = depth_first
		}
		if flagWasSet(configCommand, "debug") {
			config.Debug = config_debug
		}
		config.Date = time.Now().String()
		check(config.writeConfig(configPath(".")))
		fmt.Printf("Updated config for %s\n", config.Host)

	case "status":
		if err := statusCommand.Parse(os.Args[2:]); err != nil {
			return
		}
		if status_help {
			statusCommand.PrintDefaults()
			return
		}
		config, err := readConfig(configPath("."))
		if err != nil {
			exitGracefully(errors.New(errorConfigFile))
		}
		fmt.Printf("Host: %s\n", config.Host)
		fmt.Printf("Key: %s\n", maskKey(config.APIKey, status_all))
		fmt.Printf("Output directory: %s\n", config.OutputDir)
		fmt.Printf("Traversal: %s\n", traversalName(config.DepthFirst))
		if config.LastExport == "" {
			fmt.Println("Last export: none yet")
		} else {
			fmt.Println(p.Sprintf("Last export: %s (%d rows)", config.LastExport, config.LastExportRows))
		}

	case "export":
		if err := exportCommand.Parse(os.Args[2:]); err != nil {
			return
		}
		if export_help {
			exportCommand.PrintDefaults()
			return
		}
		config, err := readConfig(configPath("."))
		if err != nil {
			exitGracefully(errors.New(errorConfigFile))
		}
		if project_ref == "" {
			exitGracefully(fmt.Errorf("we need a project, for example\n\n\t%s export --project <group/label>", own_name))
		}
		client, err := newRESTClient(config.Host, config.APIKey)
		check(err)
		project, err := lookupProject(client, project_ref)
		check(err)
		fmt.Printf("Exporting ROIs of project %s\n", project.Label)

		table, summary, err := acquireROIs(client, project, ExportOptions{
			DepthFirst: depth_first || config.DepthFirst,
			Subjects:   splitSubjects(export_subjects),
			Debug:      export_debug || config.Debug,
		})
		check(err)
		summary.report(p)

		if dry_run {
			fmt.Println(p.Sprintf("Dry run, would write %d rows for project %s", table.Len(), project.Label))
			return
		}
		out := export_out
		if out == "" {
			out, err = writeExport(table, config.OutputDir, project.Label, time.Now())
			check(err)
		} else {
			check(os.MkdirAll(filepath.Dir(out), 0755))
			f, err := os.Create(out)
			check(err)
			check(table.writeCSV(f))
			check(f.Close())
		}
		fmt.Println(p.Sprintf("Wrote %d rows to %s", table.Len(), out))

		config.LastExport = out
		config.LastExportRows = table.Len()
		config.Date = time.Now().String()
		check(config.writeConfig(configPath(".")))

	case "import":
		if err := importCommand.Parse(os.Args[2:]); err != nil {
			return
		}
		if import_help {
			importCommand.PrintDefaults()
			return
		}
		config, err := readConfig(configPath("."))
		if err != nil {
			exitGracefully(errors.New(errorConfigFile))
		}
		if project_ref == "" || import_file == "" {
			exitGracefully(fmt.Errorf("we need a project and a table, for example\n\n\t%s import --project <group/label> --file values.csv", own_name))
		}
		level, ok := importLevels[import_level]
		if !ok {
			exitGracefully(fmt.Errorf("unknown level %q, pick one of subject, session, acquisition", import_level))
		}
		header, rows, err := readDelimited(import_file)
		check(err)
		client, err := newRESTClient(config.Host, config.APIKey)
		check(err)
		project, err := lookupProject(client, project_ref)
		check(err)

		mapping := mapping_column
		if import_files && !flagWasSet(importCommand, "mapping_column") {
			mapping = "name"
		}
		report, summary, err := importMetadata(client, project, header, rows, ImportOptions{
			MappingColumn: mapping,
			Level:         level,
			Files:         import_files,
			Destination:   import_destination,
			Overwrite:     import_overwrite,
			DryRun:        dry_run,
		})
		check(err)
		summary.report(p)

		check(os.MkdirAll(config.OutputDir, 0755))
		reportPath := filepath.Join(config.OutputDir, statusReportName)
		f, err := os.Create(reportPath)
		check(err)
		defer f.Close()
		check(report.writeCSV(f))
		fmt.Printf("Wrote report to %s\n", reportPath)

	case "review":
		if err := reviewCommand.Parse(os.Args[2:]); err != nil {
			return
		}
		if review_help {
			reviewCommand.PrintDefaults()
			return
		}
		if review_file == "" {
			config, err := readConfig(configPath("."))
			if err != nil || config.LastExport == "" {
				exitGracefully(errors.New("no spreadsheet given and no previous export found, use --file"))
			}
			review_file = config.LastExport
		}
		check(runReviewTUI(review_file))

	case "mcp":
		if err := mcpCommand.Parse(os.Args[2:]); err != nil {
			return
		}
		if mcp_help {
			mcpCommand.PrintDefaults()
			return
		}
		check(runMCPServer(".", mcp_http))

	case "--version", "version":
		fmt.Printf("%s version %s%s\n", own_name, version, compileDate)

	default:
		flag.Usage()
		os.Exit(-1)
	}
}

// flagWasSet reports whether the user gave the flag explicitly, so an unset
// bool flag does not clobber the stored config value.
func flagWasSet(fs *flag.FlagSet, name string) bool {
	was := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			was = true
		}
	})
	return was
}

func maskKey(key string, showAll bool) string {
	if showAll || len(key) <= 4 {
		return key
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}

func traversalName(depthFirst bool) string {
	if depthFirst {
		return "depth-first"
	}
	return "breadth-first"
}
