// Copyright (C) The Methyl Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methyl

import (
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"

	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// SiteSummary holds per-site descriptive statistics stratified by
// tissue group. No inference happens here.
type SiteSummary struct {
	Site           string
	TumorMean      float64
	TumorVariance  float64
	TumorMedian    float64
	NormalMean     float64
	NormalVariance float64
	NormalMedian   float64
	Missing        int
}

func summarizeSites(ds *Dataset) []SiteSummary {
	summaries := make([]SiteSummary, 0, len(ds.Sites))
	for i, site := range ds.Sites {
		cases, controls := ds.groupValues(i)
		s := SiteSummary{
			Site:    site,
			Missing: len(ds.Samples) - len(cases) - len(controls),
		}
		s.TumorMean, s.TumorVariance, s.TumorMedian = describeGroup(cases)
		s.NormalMean, s.NormalVariance, s.NormalMedian = describeGroup(controls)
		summaries = append(summaries, s)
	}
	return summaries
}

func describeGroup(vals []float64) (mean, variance, median float64) {
	mean, err := stats.Mean(vals)
	if err != nil {
		mean = math.NaN()
	}
	variance, err = stats.SampleVariance(vals)
	if err != nil {
		variance = math.NaN()
	}
	median, err = stats.Median(vals)
	if err != nil {
		median = math.NaN()
	}
	return
}

// betaHistogram bins all non-missing beta values into equal-width bins
// over [0,1].
func betaHistogram(ds *Dataset, bins int) (dividers, counts []float64) {
	var vals []float64
	for _, row := range ds.Beta {
		for _, v := range row {
			if !math.IsNaN(v) {
				vals = append(vals, v)
			}
		}
	}
	sort.Float64s(vals)
	dividers = make([]float64, bins+1)
	for i := range dividers {
		dividers[i] = float64(i) / float64(bins)
	}
	// beta == 1.0 falls in the last bin
	dividers[bins] = math.Nextafter(1, 2)
	counts = stat.Histogram(nil, dividers, vals, nil)
	return
}

// correlationMatrix computes the pairwise Pearson correlation across
// sites of the complete-case view. With more than maxSites sites a
// seeded random subset is used, since the full site x site matrix
// grows quadratically.
func correlationMatrix(cc *Dataset, maxSites int, randSeed int64) ([]string, *mat.SymDense) {
	pick := make([]int, len(cc.Sites))
	for i := range pick {
		pick[i] = i
	}
	if maxSites > 0 && len(pick) > maxSites {
		log.Infof("subsampling %d of %d sites for correlation matrix", maxSites, len(pick))
		rnd := rand.New(rand.NewSource(randSeed))
		rnd.Shuffle(len(pick), func(i, j int) { pick[i], pick[j] = pick[j], pick[i] })
		pick = pick[:maxSites]
		sort.Ints(pick)
	}
	sites := make([]string, len(pick))
	x := mat.NewDense(len(cc.Samples), len(pick), nil)
	for c, i := range pick {
		sites[c] = cc.Sites[i]
		for r, v := range cc.Beta[i] {
			x.Set(r, c, v)
		}
	}
	corr := mat.NewSymDense(len(pick), nil)
	stat.CorrelationMatrix(corr, x, nil)
	return sites, corr
}

type summarizer struct {
	inputFile     string
	outputDir     string
	maxCorrSites  int
	histogramBins int
	randSeed      int64
}

func (cmd *summarizer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *summarizer) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "dataset.gob.gz", "input dataset `file` (output of import)")
	flags.StringVar(&cmd.outputDir, "output-dir", ".", "output `directory`")
	flags.IntVar(&cmd.maxCorrSites, "max-correlation-sites", 1000, "max sites in the correlation matrix (0 for all)")
	flags.IntVar(&cmd.histogramBins, "histogram-bins", 50, "number of beta histogram bins")
	flags.Int64Var(&cmd.randSeed, "random-seed", 0, "PRNG seed for correlation site subsampling")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}

	ds, err := LoadDataset(cmd.inputFile)
	if err != nil {
		return err
	}
	return cmd.summarize(ds)
}

func (cmd *summarizer) summarize(ds *Dataset) error {
	summaries := summarizeSites(ds)
	fnm := cmd.outputDir + "/site-summary.csv"
	log.Infof("writing site summaries to %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "Site,TumorMean,TumorVariance,TumorMedian,NormalMean,NormalVariance,NormalMedian,Missing\n")
	if err != nil {
		return err
	}
	for _, s := range summaries {
		_, err = fmt.Fprintf(f, "%s,%v,%v,%v,%v,%v,%v,%d\n", s.Site, s.TumorMean, s.TumorVariance, s.TumorMedian, s.NormalMean, s.NormalVariance, s.NormalMedian, s.Missing)
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}

	dividers, counts := betaHistogram(ds, cmd.histogramBins)
	fnm = cmd.outputDir + "/beta-histogram.csv"
	log.Infof("writing beta histogram to %s", fnm)
	f, err = os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "BinLow,BinHigh,Count\n")
	if err != nil {
		return err
	}
	for i, n := range counts {
		_, err = fmt.Fprintf(f, "%v,%v,%d\n", dividers[i], dividers[i+1], int(n))
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}

	cc := ds.CompleteCases()
	if len(cc.Sites) < 2 {
		return &MissingDataError{Stage: "summarize", Site: "(all)"}
	}
	corrSites, corr := correlationMatrix(cc, cmd.maxCorrSites, cmd.randSeed)
	fnm = cmd.outputDir + "/correlation-sites.csv"
	log.Infof("writing correlation site list to %s", fnm)
	f, err = os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "Index,Site\n")
	if err != nil {
		return err
	}
	for i, site := range corrSites {
		_, err = fmt.Fprintf(f, "%d,%s\n", i, site)
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	err = writeNumpyMatrix(cmd.outputDir+"/correlation.npy", corr)
	if err != nil {
		return err
	}
	log.Print("done")
	return nil
}
