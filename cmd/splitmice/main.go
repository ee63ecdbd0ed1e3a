package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"splitmice/internal/models"
	"splitmice/pkg/config"
	"splitmice/pkg/hotel"
	"splitmice/pkg/splitter"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <scan> [<scan>]\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(os.Stderr, "       %s [flags] -batch <dir>\n\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(os.Stderr, "A scan is a container data file (.img) or a DICOM series directory.")
	fmt.Fprintln(os.Stderr, "Two scans are split as a coregistered PET/CT pair.")
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "splitmice.yaml", "Configuration file (.yaml or .toml)")
	initConfig := flag.Bool("init-config", false, "Write the default configuration to -config and exit")
	outputDir := flag.String("out", "split", "Output directory")
	batchDir := flag.String("batch", "", "Split every scan found under this directory")
	modality := flag.String("modality", "", "Force the modality of container scans (PET or CT)")
	recordPath := flag.String("record", "", "Hotel scan record (YAML or JSON)")
	experiment := flag.String("experiment", "", "Experiment label used to pick a size preset")
	numAnim := flag.Int("num-anim", -1, "Expected number of subjects (overrides the configuration)")
	zip := flag.Bool("zip", false, "Zip every cut (overrides the configuration)")
	intermediary := flag.Bool("intermediary", false, "Save projection and mask images")
	sliceDumps := flag.Bool("slices", false, "Also save every slice along each axis (with -intermediary)")
	descMap := flag.String("descmap", "", "Rename descriptors in output names, as from:to,...")
	logLevel := flag.String("log-level", "", "Log level (overrides the configuration)")
	flag.Usage = usage
	flag.Parse()

	if *initConfig {
		if err := config.CreateDefaultConfigFile(*configPath); err != nil {
			log.Fatalf("Failed to write configuration: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *configPath)
		return
	}

	// Validate inputs
	scans := flag.Args()
	if (*batchDir == "") == (len(scans) == 0) || len(scans) > 2 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Command line overrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "num-anim":
			cfg.Detection.PET.NumAnim = *numAnim
			cfg.Detection.CT.NumAnim = *numAnim
		case "zip":
			cfg.Output.Zip = *zip
		case "intermediary":
			cfg.Output.SaveIntermediaryResults = *intermediary
		case "slices":
			cfg.Output.SaveSlices = *sliceDumps
		case "descmap":
			cfg.Layout.DescriptorMap = *descMap
		case "log-level":
			cfg.Logging.Level = *logLevel
		}
	})

	closer := cfg.Logging.SetLogger()
	defer closer.Close()

	if err := run(cfg, *batchDir, scans, *outputDir, *modality, *recordPath, *experiment); err != nil {
		log.WithError(err).Error("Split failed")
		closer.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, batchDir string, scans []string, outputDir, modality, recordPath, experiment string) error {
	var forced *models.Modality
	if modality != "" {
		m, err := models.ParseModality(modality)
		if err != nil {
			return err
		}
		forced = &m
	}

	b := &splitter.Batch{Config: cfg, InputDir: batchDir, OutputDir: outputDir, Experiment: experiment}
	if recordPath != "" {
		record, err := hotel.Load(recordPath)
		if err != nil {
			return err
		}
		b.Record = record
	}

	var units []splitter.Unit
	if batchDir != "" {
		inputs, err := splitter.Discover(batchDir, forced)
		if err != nil {
			return err
		}
		units = splitter.Pair(inputs)
	} else {
		inputs := make([]*splitter.Input, len(scans))
		for i, s := range scans {
			in, err := splitter.Peek(s, forced)
			if err != nil {
				return err
			}
			inputs[i] = in
		}
		units = splitter.Pair(inputs)
		if len(inputs) == 2 && len(units) != 1 {
			return fmt.Errorf("two scans must be one PET and one CT")
		}
	}

	report, err := b.Run(units)
	if err != nil {
		return err
	}
	fmt.Printf("Split %d of %d units in %s, outputs in %s\n",
		report.Units-len(report.Failures), report.Units, report.Elapsed.Round(time.Millisecond), outputDir)
	return report.Err()
}
