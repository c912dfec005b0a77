// Copyright (C) The Methyl Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methyl

import (
	"flag"
	"fmt"
	"io"
	"math"
	"os"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// PCAResult holds sample scores, site loadings and the explained
// variance per retained component, ordered by non-increasing variance.
type PCAResult struct {
	Sites      []string
	SampleIDs  []string
	Scores     *mat.Dense // samples x components
	Loadings   *mat.Dense // sites x components
	SDev       []float64
	Proportion []float64
	Cumulative []float64
}

// pcaAnalyze standardizes the complete-case matrix (samples x sites,
// each site scaled to zero mean and unit variance) and computes its
// thin singular value decomposition. Scores are U*Sigma, loadings V.
func pcaAnalyze(ds *Dataset, components int) (*PCAResult, error) {
	cc := ds.CompleteCases()
	if len(cc.Sites) == 0 {
		return nil, &MissingDataError{Stage: "pca", Site: "(all)"}
	}
	n := len(cc.Samples)
	if n < 2 {
		return nil, &InsufficientSamplesError{Stage: "pca", Have: n, Need: 2}
	}

	x := mat.NewDense(n, len(cc.Sites), nil)
	for s := range cc.Sites {
		mean, std := stat.MeanStdDev(cc.Beta[s], nil)
		if std == 0 {
			return nil, &DegenerateFitError{Stage: "pca", Site: cc.Sites[s], Reason: "zero variance, cannot standardize"}
		}
		for j, v := range cc.Beta[s] {
			x.Set(j, s, (v-mean)/std)
		}
	}

	log.Infof("fitting svd: %d samples x %d sites", n, len(cc.Sites))
	var svd mat.SVD
	if !svd.Factorize(x, mat.SVDThin) {
		return nil, &DegenerateFitError{Stage: "pca", Reason: "svd did not converge"}
	}
	vals := svd.Values(nil)
	k := components
	if k <= 0 || k > len(vals) {
		k = len(vals)
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	scores := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			scores.Set(i, j, u.At(i, j)*vals[j])
		}
	}
	loadings := mat.NewDense(len(cc.Sites), k, nil)
	loadings.Copy(v.Slice(0, len(cc.Sites), 0, k))

	total := 0.0
	for _, s := range vals {
		total += s * s
	}
	result := &PCAResult{
		Sites:     cc.Sites,
		SampleIDs: cc.SampleIDs(),
		Scores:    scores,
		Loadings:  loadings,
	}
	cum := 0.0
	for j := 0; j < k; j++ {
		result.SDev = append(result.SDev, vals[j]/math.Sqrt(float64(n-1)))
		prop := vals[j] * vals[j] / total
		cum += prop
		result.Proportion = append(result.Proportion, prop)
		result.Cumulative = append(result.Cumulative, cum)
	}
	return result, nil
}

type pcaCmd struct {
	inputFile  string
	outputDir  string
	components int
}

func (cmd *pcaCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *pcaCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "dataset.gob.gz", "input dataset `file` (output of import)")
	flags.StringVar(&cmd.outputDir, "output-dir", ".", "output `directory`")
	flags.IntVar(&cmd.components, "components", 10, "number of components to retain")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}

	lvl, err := log.ParseLevel(*loglevel)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)

	ds, err := LoadDataset(cmd.inputFile)
	if err != nil {
		return err
	}
	result, err := pcaAnalyze(ds, cmd.components)
	if err != nil {
		return err
	}
	return cmd.write(ds, result)
}

func (cmd *pcaCmd) write(ds *Dataset, result *PCAResult) error {
	err := writeNumpyMatrix(cmd.outputDir+"/pca-scores.npy", result.Scores)
	if err != nil {
		return err
	}
	err = writeNumpyMatrix(cmd.outputDir+"/pca-loadings.npy", result.Loadings)
	if err != nil {
		return err
	}

	fnm := cmd.outputDir + "/pca-variance.csv"
	log.Infof("writing explained variance to %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "Component,SDev,Proportion,Cumulative\n")
	if err != nil {
		return err
	}
	for j := range result.SDev {
		_, err = fmt.Fprintf(f, "%d,%v,%v,%v\n", j+1, result.SDev[j], result.Proportion[j], result.Cumulative[j])
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}

	fnm = cmd.outputDir + "/pca-sites.csv"
	log.Infof("writing loading row order to %s", fnm)
	f, err = os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "Index,Site\n")
	if err != nil {
		return err
	}
	for i, site := range result.Sites {
		_, err = fmt.Fprintf(f, "%d,%s\n", i, site)
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}

	err = writeSampleScores(ds.Samples, result.Scores, cmd.outputDir+"/pca-samples.csv")
	if err != nil {
		return err
	}
	log.Print("done")
	return nil
}

// writeSampleScores writes per-sample metadata plus component scores,
// one row per sample in matrix column order.
func writeSampleScores(samples []Sample, scores *mat.Dense, fnm string) error {
	log.Infof("writing sample scores to %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, cols := scores.Dims()
	labels := ""
	for j := 0; j < cols; j++ {
		labels += fmt.Sprintf(",PCA%d", j+1)
	}
	_, err = fmt.Fprintf(f, "Index,SampleID,CaseControl%s\n", labels)
	if err != nil {
		return err
	}
	for i, s := range samples {
		cc := "0"
		if s.Case {
			cc = "1"
		}
		vals := ""
		for j := 0; j < cols; j++ {
			vals += fmt.Sprintf(",%f", scores.At(i, j))
		}
		_, err = fmt.Fprintf(f, "%d,%s,%s%s\n", i, s.ID, cc, vals)
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}
	return nil
}
