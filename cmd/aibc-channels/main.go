package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/bestZwei/AIBC/internal/channel"
)

var version = "0.1.0-dev"

func main() {
	var validatePath, listPath string
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&validatePath, "file", "channels.yaml", "Path to channel catalog")
	listCmd := flag.NewFlagSet("list", flag.ExitOnError)
	listCmd.StringVar(&listPath, "file", "", "Path to channel catalog (built-in channels when empty)")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate', 'list' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		catalog, err := load(validatePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("catalog valid: %d channels\n", len(catalog.All()))
	case "list":
		listCmd.Parse(os.Args[2:])
		catalog, err := load(listPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		printChannels(os.Stdout, catalog)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func load(path string) (*channel.Catalog, error) {
	channels := channel.Default()
	if path != "" {
		loaded, err := channel.Load(path)
		if err != nil {
			return nil, err
		}
		channels = loaded
	}
	return channel.NewCatalog(channels)
}

func printChannels(w io.Writer, catalog *channel.Catalog) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tHOSTS\tSEGMENTS")
	for _, ch := range catalog.All() {
		var total float64
		for _, seg := range ch.Segments {
			total += seg.Weight
		}
		mix := ""
		for i, seg := range ch.Segments {
			if i > 0 {
				mix += " "
			}
			mix += fmt.Sprintf("%s:%.0f%%", seg.Type, seg.Weight/total*100)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s/%s\t%s\n", ch.ID, ch.DisplayName(), ch.Speakers.Primary.Name, ch.Speakers.Secondary.Name, mix)
	}
	tw.Flush()
}
