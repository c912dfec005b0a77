// Copyright (C) The Methyl Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methyl

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"runtime"
	"sort"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// AssociationResult is the per-site outcome of the univariate
// tumor vs normal-adjacent comparison.
type AssociationResult struct {
	Site        string
	T           float64
	DF          float64
	P           float64 // raw two-sided Welch p-value
	GCP         float64 // after genomic control
	BonferroniP float64 // after family-wise correction
	Significant bool
}

// AssocAnalysis holds the full univariate stage output, sorted
// ascending by raw p-value.
type AssocAnalysis struct {
	Results     []AssociationResult
	Lambda      float64 // genomic control inflation factor
	Significant map[string]bool
}

// welchT computes the Welch t statistic and Satterthwaite degrees of
// freedom for a two-sample unequal-variance comparison. Both groups
// must have >= 2 values and nonzero variance.
func welchT(x, y []float64) (t, df float64) {
	mx, vx := stat.MeanVariance(x, nil)
	my, vy := stat.MeanVariance(y, nil)
	nx, ny := float64(len(x)), float64(len(y))
	sx, sy := vx/nx, vy/ny
	t = (mx - my) / math.Sqrt(sx+sy)
	df = (sx + sy) * (sx + sy) / (sx*sx/(nx-1) + sy*sy/(ny-1))
	return
}

func welchPvalue(t, df float64) float64 {
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * dist.CDF(-math.Abs(t))
}

// genomicControl rescales p-values for over-dispersion across many
// simultaneous tests. Each raw p is mapped to a 1-df chi-square
// quantile; the inflation factor lambda is the ratio of the median
// observed chi-square to its theoretical median, floored at 1. The
// transform is strictly monotone in the raw p ordering.
//
// The upper-tail quantile is computed as the squared normal quantile
// of p/2 (exact for 1 df): going through ChiSquared.Quantile(1-p)
// rounds 1-p to 1 for p below ~1e-17, mapping the strongest signals
// to +Inf and from there to a NaN lambda. The normal quantile stays
// finite and ordered down to the smallest positive p; only p == 0
// needs a finite clamp.
func genomicControl(ps []float64) (gcp []float64, lambda float64) {
	chisq := distuv.ChiSquared{K: 1}
	chi := make([]float64, len(ps))
	for i, p := range ps {
		z := distuv.UnitNormal.Quantile(p / 2)
		chi[i] = z * z
		if math.IsInf(chi[i], 0) {
			chi[i] = math.MaxFloat64
		}
	}
	sorted := append([]float64(nil), chi...)
	sort.Float64s(sorted)
	lambda = stat.Quantile(0.5, stat.Empirical, sorted, nil) / chisq.Quantile(0.5)
	if lambda < 1 {
		lambda = 1
	}
	gcp = make([]float64, len(chi))
	for i, x := range chi {
		gcp[i] = chisq.Survival(x / lambda)
	}
	return
}

func bonferroni(p float64, tests int) float64 {
	p *= float64(tests)
	if p > 1 {
		return 1
	}
	return p
}

type assocCmd struct {
	inputFile    string
	outputDir    string
	threads      int
	permutations int
	randSeed     int64
	alpha        float64
}

func (cmd *assocCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *assocCmd) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "dataset.gob.gz", "input dataset `file` (output of import)")
	flags.StringVar(&cmd.outputDir, "output-dir", ".", "output `directory`")
	flags.IntVar(&cmd.threads, "threads", runtime.NumCPU(), "number of worker goroutines for per-site tests")
	flags.IntVar(&cmd.permutations, "permutations", 0, "label permutations for the null diagnostic (0 to skip)")
	flags.Int64Var(&cmd.randSeed, "random-seed", 0, "PRNG seed for label permutations")
	flags.Float64Var(&cmd.alpha, "significance-level", 0.05, "family-wise significance threshold")
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
	analysis, err := cmd.analyze(ds)
	if err != nil {
		return err
	}
	return cmd.write(ds, analysis)
}

func (cmd *assocCmd) analyze(ds *Dataset) (*AssocAnalysis, error) {
	cc := ds.CompleteCases()
	if len(cc.Sites) == 0 {
		return nil, &MissingDataError{Stage: "assoc", Site: "(all)"}
	}
	cases, controls := cc.CaseControlCounts()
	if cases < 2 || controls < 2 {
		have := cases
		if controls < have {
			have = controls
		}
		return nil, &InsufficientSamplesError{Stage: "assoc", Have: have, Need: 2, Detail: "smaller tissue group"}
	}
	log.Infof("testing %d complete-case sites (%d tumor, %d normal-adjacent)", len(cc.Sites), cases, controls)

	results := make([]AssociationResult, len(cc.Sites))
	workers := throttle{Max: cmd.threads}
	if workers.Max < 1 {
		workers.Max = 1
	}
	for i := range cc.Sites {
		i := i
		workers.Go(func() error {
			x, y := cc.groupValues(i)
			_, vx := stat.MeanVariance(x, nil)
			_, vy := stat.MeanVariance(y, nil)
			if vx == 0 || vy == 0 {
				return &DegenerateFitError{Stage: "assoc", Site: cc.Sites[i], Reason: "zero variance within a tissue group"}
			}
			t, df := welchT(x, y)
			results[i] = AssociationResult{
				Site: cc.Sites[i],
				T:    t,
				DF:   df,
				P:    welchPvalue(t, df),
			}
			return nil
		})
	}
	err := workers.Wait()
	if err != nil {
		return nil, err
	}

	ps := make([]float64, len(results))
	for i, r := range results {
		ps[i] = r.P
	}
	gcp, lambda := genomicControl(ps)
	log.Infof("genomic control lambda %.4f", lambda)
	significant := map[string]bool{}
	for i := range results {
		results[i].GCP = gcp[i]
		results[i].BonferroniP = bonferroni(gcp[i], len(results))
		results[i].Significant = results[i].BonferroniP < cmd.alpha
		if results[i].Significant {
			significant[results[i].Site] = true
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].P != results[j].P {
			return results[i].P < results[j].P
		}
		return results[i].Site < results[j].Site
	})
	log.Infof("%d of %d sites significant at %v after correction", len(significant), len(results), cmd.alpha)
	return &AssocAnalysis{Results: results, Lambda: lambda, Significant: significant}, nil
}

// permStat summarizes the |t| distribution of one label permutation.
type permStat struct {
	MaxAbsT    float64
	MedianAbsT float64
}

// permutationNull reshuffles the tumor/normal labels n times and
// recomputes the per-site |t| distribution. Diagnostic only: sites
// whose permuted grouping has zero within-group variance are skipped.
func permutationNull(cc *Dataset, n int, randSeed int64) []permStat {
	rnd := rand.New(rand.NewSource(randSeed))
	labels := cc.Labels()
	out := make([]permStat, 0, n)
	for p := 0; p < n; p++ {
		rnd.Shuffle(len(labels), func(i, j int) { labels[i], labels[j] = labels[j], labels[i] })
		out = append(out, absTStats(cc, labels))
	}
	return out
}

func absTStats(cc *Dataset, labels []bool) permStat {
	var absts []float64
	for i := range cc.Sites {
		var x, y []float64
		for j, v := range cc.Beta[i] {
			if labels[j] {
				x = append(x, v)
			} else {
				y = append(y, v)
			}
		}
		if len(x) < 2 || len(y) < 2 {
			continue
		}
		_, vx := stat.MeanVariance(x, nil)
		_, vy := stat.MeanVariance(y, nil)
		if vx == 0 || vy == 0 {
			continue
		}
		t, _ := welchT(x, y)
		absts = append(absts, math.Abs(t))
	}
	if len(absts) == 0 {
		return permStat{MaxAbsT: math.NaN(), MedianAbsT: math.NaN()}
	}
	sort.Float64s(absts)
	return permStat{
		MaxAbsT:    absts[len(absts)-1],
		MedianAbsT: stat.Quantile(0.5, stat.Empirical, absts, nil),
	}
}

func (cmd *assocCmd) write(ds *Dataset, analysis *AssocAnalysis) error {
	fnm := cmd.outputDir + "/assoc.csv"
	log.Infof("writing association results to %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "Site,T,DF,PValue,GCPValue,BonferroniPValue,Significant\n")
	if err != nil {
		return err
	}
	for _, r := range analysis.Results {
		sig := "0"
		if r.Significant {
			sig = "1"
		}
		_, err = fmt.Fprintf(f, "%s,%v,%v,%v,%v,%v,%s\n", r.Site, r.T, r.DF, r.P, r.GCP, r.BonferroniP, sig)
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}

	if cmd.permutations > 0 {
		cc := ds.CompleteCases()
		log.Infof("running %d label permutations", cmd.permutations)
		observed := absTStats(cc, cc.Labels())
		perms := permutationNull(cc, cmd.permutations, cmd.randSeed)
		fnm = cmd.outputDir + "/permutation.csv"
		log.Infof("writing permutation diagnostic to %s", fnm)
		f, err = os.Create(fnm)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = fmt.Fprint(f, "Permutation,MaxAbsT,MedianAbsT\n")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(f, "observed,%v,%v\n", observed.MaxAbsT, observed.MedianAbsT)
		if err != nil {
			return err
		}
		for i, p := range perms {
			_, err = fmt.Fprintf(f, "%d,%v,%v\n", i, p.MaxAbsT, p.MedianAbsT)
			if err != nil {
				return fmt.Errorf("write %s: %w", fnm, err)
			}
		}
		err = f.Close()
		if err != nil {
			return fmt.Errorf("close %s: %w", fnm, err)
		}
	}

	j, err := json.Marshal(map[string]interface{}{
		"sites":        len(analysis.Results),
		"lambda":       analysis.Lambda,
		"significant":  len(analysis.Significant),
		"alpha":        cmd.alpha,
		"permutations": cmd.permutations,
		"randomSeed":   cmd.randSeed,
	})
	if err != nil {
		return err
	}
	fnm = cmd.outputDir + "/assoc.json"
	err = os.WriteFile(fnm, j, 0777)
	if err != nil {
		return err
	}
	log.Print("done")
	return nil
}
