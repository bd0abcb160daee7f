package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/mattjoyce/switchboard/internal/config"
)

func runConfigNoun(args []string) int {
	if len(args) < 1 {
		printConfigNounHelp(os.Stderr)
		return 1
	}

	action := args[0]
	actionArgs := args[1:]

	switch action {
	case "check":
		return runConfigCheck(actionArgs)
	case "lock":
		return runConfigLock(actionArgs)
	case "help", "--help", "-h":
		printConfigNounHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", action)
		printConfigNounHelp(os.Stderr)
		return 1
	}
}

func printConfigNounHelp(w io.Writer) {
	fmt.Fprint(w, `Usage:
  switchboard config check [--config PATH] [--json]
  switchboard config lock  [--config PATH] [--dry-run] [-v]
`)
}

type checkResult struct {
	Valid       bool     `json:"valid"`
	Error       string   `json:"error,omitempty"`
	Accounts    int      `json:"accounts,omitempty"`
	Clients     []string `json:"clients,omitempty"`
	APIEnabled  bool     `json:"api_enabled"`
	Journaling  bool     `json:"journaling"`
	ConfigFiles []string `json:"config_files,omitempty"`
}

func runConfigCheck(args []string) int {
	var configPath string
	var jsonOut bool

	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&jsonOut, "json", false, "Output in JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	var res checkResult
	cfg, err := config.Load(path)
	if err != nil {
		res.Error = err.Error()
	} else {
		res.Valid = true
		res.Accounts = len(cfg.Accounts)
		for _, c := range cfg.Clients {
			res.Clients = append(res.Clients, c.Name)
		}
		res.APIEnabled = cfg.API.Enabled
		res.Journaling = cfg.State.Journaling()
		for f := range cfg.SourceFiles {
			res.ConfigFiles = append(res.ConfigFiles, f)
		}
		sort.Strings(res.ConfigFiles)
	}

	if jsonOut {
		out, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "JSON format error: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
	} else if res.Valid {
		fmt.Printf("Configuration OK (%d files, %d accounts, %d clients)\n",
			len(res.ConfigFiles), res.Accounts, len(res.Clients))
	} else {
		fmt.Printf("Configuration invalid: %s\n", res.Error)
	}

	if !res.Valid {
		return 1
	}
	return 0
}

func runConfigLock(args []string) int {
	var configPath string
	var verbose, verboseShort, dryRun bool

	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	fs.StringVar(&configPath, "config", "", "Path to configuration")
	fs.BoolVar(&verbose, "verbose", false, "Verbose output")
	fs.BoolVar(&verboseShort, "v", false, "Verbose output")
	fs.BoolVar(&dryRun, "dry-run", false, "Dry run")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	isVerbose := verbose || verboseShort

	path, err := resolveConfigPath(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	report, err := config.Lock(path, dryRun)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to lock config: %v\n", err)
		return 1
	}

	if isVerbose {
		for _, f := range report.Files {
			fmt.Printf("  HASH %s %s\n", f.Hash[:12], f.Path)
		}
	}
	verb := "Wrote"
	if dryRun {
		verb = "Would write"
	}
	for _, m := range report.Manifests {
		fmt.Printf("%s %s\n", verb, m)
	}
	return 0
}
