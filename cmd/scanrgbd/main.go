package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/banshee-data/scanrgbd/internal/version"
)

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	switch command {
	case "serve":
		handleServe(args)
	case "status":
		handleStatus(args)
	case "export":
		handleExport(args)
	case "download":
		handleDownload(args)
	case "record":
		handleRecord(args)
	case "reset":
		handleReset(args)
	case "version":
		fmt.Printf("scanrgbd version %s\n", version.String())
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`scanrgbd - RGB-D point cloud accumulation engine

Usage: scanrgbd <command> [options]

Commands:
  serve      Run the accumulation engine with the HTTP monitor
  status     Show engine status from a running server
  export     Ask a running server to write a PLY file
  download   Download the current cloud as PLY
  record     Start or stop frame recording
  reset      Clear the accumulated cloud
  version    Show scanrgbd version
  help       Show this help message

Run 'scanrgbd <command> -h' for command flags.`)
}
