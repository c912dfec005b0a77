// Copyright (C) The Methyl Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methyl

import (
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	log "github.com/sirupsen/logrus"
)

// runCmd executes the whole analysis in one process: load, summarize,
// univariate association, PCA, elastic net, and the cross-reference of
// univariate-significant sites against non-zero model coefficients.
// Any stage error aborts the run.
type runCmd struct {
	methylationFile string
	clinicalFile    string
	outputDir       string
	cols            clinicalColumns
	tumorLabel      string
	normalLabel     string
	maxCorrSites    int
	histogramBins   int
	threads         int
	permutations    int
	alpha           float64
	components      int
	trainingSetSize float64
	folds           int
	l1Ratio         float64
	penalties       string
	randSeed        int64
}

func (cmd *runCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *runCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.methylationFile, "methylation", "", "methylation beta matrix `file` (rows = CpG sites, columns = samples)")
	flags.StringVar(&cmd.clinicalFile, "clinical", "", "clinical metadata `file` (one row per sample)")
	flags.StringVar(&cmd.outputDir, "output-dir", ".", "output `directory`")
	flags.StringVar(&cmd.cols.Sample, "sample-column", defaultClinicalColumns.Sample, "clinical `column` holding the sample barcode")
	flags.StringVar(&cmd.cols.Patient, "patient-column", defaultClinicalColumns.Patient, "clinical `column` holding the patient id")
	flags.StringVar(&cmd.cols.Tissue, "tissue-column", defaultClinicalColumns.Tissue, "clinical `column` holding the tissue type")
	flags.StringVar(&cmd.tumorLabel, "tumor-label", "Primary Tumor", "tissue type `label` for tumor samples")
	flags.StringVar(&cmd.normalLabel, "normal-label", "Solid Tissue Normal", "tissue type `label` for normal-adjacent samples")
	flags.IntVar(&cmd.maxCorrSites, "max-correlation-sites", 1000, "max sites in the correlation matrix (0 for all)")
	flags.IntVar(&cmd.histogramBins, "histogram-bins", 50, "number of beta histogram bins")
	flags.IntVar(&cmd.threads, "threads", runtime.NumCPU(), "number of worker goroutines for per-site tests")
	flags.IntVar(&cmd.permutations, "permutations", 0, "label permutations for the null diagnostic (0 to skip)")
	flags.Float64Var(&cmd.alpha, "significance-level", 0.05, "family-wise significance threshold")
	flags.IntVar(&cmd.components, "components", 10, "number of PCA components to retain")
	flags.Float64Var(&cmd.trainingSetSize, "training-set-size", 0.7, "number (or proportion, if <=1) of samples to assign to the training set")
	flags.IntVar(&cmd.folds, "folds", 5, "cross-validation folds for penalty selection")
	flags.Float64Var(&cmd.l1Ratio, "l1-ratio", 0.5, "elastic net mixing weight (1 = lasso, 0 = ridge)")
	flags.StringVar(&cmd.penalties, "penalties", "1,0.5,0.2,0.1,0.05,0.02,0.01", "comma-separated penalty strength grid")
	flags.Int64Var(&cmd.randSeed, "random-seed", 0, "PRNG seed for all randomized steps")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	} else if cmd.methylationFile == "" || cmd.clinicalFile == "" {
		return fmt.Errorf("must provide both -methylation and -clinical")
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)

	ds, err := loadDataset(cmd.methylationFile, cmd.clinicalFile, cmd.cols, cmd.tumorLabel, cmd.normalLabel)
	if err != nil {
		return err
	}
	err = ds.Save(cmd.outputDir + "/dataset.gob.gz")
	if err != nil {
		return err
	}

	summarize := &summarizer{
		outputDir:     cmd.outputDir,
		maxCorrSites:  cmd.maxCorrSites,
		histogramBins: cmd.histogramBins,
		randSeed:      cmd.randSeed,
	}
	err = summarize.summarize(ds)
	if err != nil {
		return err
	}

	assoc := &assocCmd{
		outputDir:    cmd.outputDir,
		threads:      cmd.threads,
		permutations: cmd.permutations,
		randSeed:     cmd.randSeed,
		alpha:        cmd.alpha,
	}
	analysis, err := assoc.analyze(ds)
	if err != nil {
		return err
	}
	err = assoc.write(ds, analysis)
	if err != nil {
		return err
	}

	pca := &pcaCmd{outputDir: cmd.outputDir, components: cmd.components}
	pcaResult, err := pcaAnalyze(ds, cmd.components)
	if err != nil {
		return err
	}
	err = pca.write(ds, pcaResult)
	if err != nil {
		return err
	}

	en := &elasticNet{
		outputDir:       cmd.outputDir,
		trainingSetSize: cmd.trainingSetSize,
		folds:           cmd.folds,
		l1Ratio:         cmd.l1Ratio,
		penalties:       cmd.penalties,
		randSeed:        cmd.randSeed,
	}
	model, training, err := en.analyze(ds)
	if err != nil {
		return err
	}
	err = en.write(ds, model, training)
	if err != nil {
		return err
	}

	return cmd.writeCrossref(analysis, model)
}

// writeCrossref reports the intersection of univariate-significant
// sites with non-zero elastic-net coefficients. Corroborating evidence
// only, not a statistical test.
func (cmd *runCmd) writeCrossref(analysis *AssocAnalysis, model *ClassifierModel) error {
	bonf := make(map[string]float64, len(analysis.Results))
	for _, r := range analysis.Results {
		bonf[r.Site] = r.BonferroniP
	}
	fnm := cmd.outputDir + "/crossref.csv"
	log.Infof("writing univariate/multivariate cross-reference to %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "Site,BonferroniPValue,Coefficient\n")
	if err != nil {
		return err
	}
	both := 0
	for _, c := range model.Coefficients {
		if !analysis.Significant[c.Site] {
			continue
		}
		both++
		_, err = fmt.Fprintf(f, "%s,%v,%v\n", c.Site, bonf[c.Site], c.Value)
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	log.Infof("%d sites significant in both univariate and multivariate analyses", both)
	log.Print("done")
	return nil
}
