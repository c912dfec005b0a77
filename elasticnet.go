// Copyright (C) The Methyl Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methyl

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	stdlog "log"
	"math"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Coefficient is one non-zero elastic-net coefficient: the change in
// log-odds of the tumor class per unit of scaled methylation at Site.
type Coefficient struct {
	Site  string
	Value float64
}

type CVPoint struct {
	Penalty float64
	MeanAUC float64
	Folds   int
}

type ConfusionMatrix struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int
}

// ClassifierModel is the fitted elastic-net logistic regression and
// its held-out evaluation. Coefficients are encoded relative to the
// reference category: normal-adjacent = 0, tumor = 1.
type ClassifierModel struct {
	Penalty           float64
	L1Ratio           float64
	Intercept         float64
	Coefficients      []Coefficient
	CV                []CVPoint
	Confusion         ConfusionMatrix
	BalancedAccuracy  float64
	NoInformationRate float64
	BinomialP         float64
	TrainingSamples   int
	TestSamples       int
	RandomSeed        int64
}

// scaler standardizes feature columns using statistics from the
// training partition only.
type scaler struct {
	mean []float64
	std  []float64
}

func fitScaler(rows [][]float64, cols int, names []string, stage string) (*scaler, error) {
	sc := &scaler{mean: make([]float64, cols), std: make([]float64, cols)}
	col := make([]float64, len(rows))
	for j := 0; j < cols; j++ {
		for i, row := range rows {
			col[i] = row[j]
		}
		sc.mean[j], sc.std[j] = stat.MeanStdDev(col, nil)
		if sc.std[j] == 0 {
			return nil, &DegenerateFitError{Stage: stage, Site: names[j], Reason: "zero variance in training partition"}
		}
	}
	return sc, nil
}

func (sc *scaler) transform(rows [][]float64) [][]float64 {
	out := make([][]float64, len(rows))
	for i, row := range rows {
		s := make([]float64, len(row))
		for j, v := range row {
			s[j] = (v - sc.mean[j]) / sc.std[j]
		}
		out[i] = s
	}
	return out
}

var glmConfig = &glm.Config{
	Family:         glm.NewFamily(glm.BinomialFamily),
	FitMethod:      "IRLS",
	ConcurrentIRLS: 1000,
	Log:            stdlog.New(io.Discard, "", 0),
}

// fitLogistic fits a binomial GLM with an unpenalized intercept and
// per-site L1/L2 penalty weights, returning the intercept and the
// coefficient per feature column.
func fitLogistic(rows [][]float64, labels []bool, names []string, l1, l2 float64) (intercept float64, coefs []float64, err error) {
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular with condition number +Inf"
			err = &DegenerateFitError{Stage: "elastic-net", Reason: "regression failed to converge"}
		}
	}()

	nvar := len(names)
	data := make([][]statmodel.Dtype, 0, nvar+2)
	outcome := make([]statmodel.Dtype, len(rows))
	icept := make([]statmodel.Dtype, len(rows))
	for i := range rows {
		if labels[i] {
			outcome[i] = 1
		}
		icept[i] = 1
	}
	data = append(data, outcome, icept)
	for j := 0; j < nvar; j++ {
		series := make([]statmodel.Dtype, len(rows))
		for i, row := range rows {
			series[i] = row[j]
		}
		data = append(data, series)
	}
	allNames := append([]string{"outcome", "icept"}, names...)
	dataset := statmodel.NewDataset(data, allNames)

	config := *glmConfig
	if l1 > 0 || l2 > 0 {
		config.L1Penalty = map[string]float64{}
		config.L2Penalty = map[string]float64{}
		for _, name := range names {
			config.L1Penalty[name] = l1
			config.L2Penalty[name] = l2
		}
	}
	model, err := glm.NewGLM(dataset, "outcome", allNames[1:], &config)
	if err != nil {
		return 0, nil, &DegenerateFitError{Stage: "elastic-net", Reason: err.Error()}
	}
	result := model.Fit()
	params := result.Params()
	return params[0], params[1:], nil
}

func predictProb(intercept float64, coefs, row []float64) float64 {
	eta := intercept
	for j, v := range row {
		eta += coefs[j] * v
	}
	return 1 / (1 + math.Exp(-eta))
}

// rocAUC is the area under the ROC curve of scores against the true
// classes. NaN if either class is absent.
func rocAUC(scores []float64, classes []bool) float64 {
	pos, neg := 0, 0
	for _, c := range classes {
		if c {
			pos++
		} else {
			neg++
		}
	}
	if pos == 0 || neg == 0 {
		return math.NaN()
	}
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i, j int) bool { return scores[idx[i]] < scores[idx[j]] })
	y := make([]float64, len(scores))
	cls := make([]bool, len(scores))
	for i, ii := range idx {
		y[i] = scores[ii]
		cls[i] = classes[ii]
	}
	tpr, fpr, _ := stat.ROC(nil, y, cls, nil)
	if len(fpr) > 1 && fpr[0] > fpr[len(fpr)-1] {
		for i, j := 0, len(fpr)-1; i < j; i, j = i+1, j-1 {
			fpr[i], fpr[j] = fpr[j], fpr[i]
			tpr[i], tpr[j] = tpr[j], tpr[i]
		}
	}
	return integrate.Trapezoidal(fpr, tpr)
}

type elasticNet struct {
	inputFile       string
	outputDir       string
	trainingSetSize float64
	folds           int
	l1Ratio         float64
	penalties       string
	randSeed        int64
}

func (cmd *elasticNet) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *elasticNet) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.inputFile, "i", "dataset.gob.gz", "input dataset `file` (output of import)")
	flags.StringVar(&cmd.outputDir, "output-dir", ".", "output `directory`")
	flags.Float64Var(&cmd.trainingSetSize, "training-set-size", 0.7, "number (or proportion, if <=1) of samples to assign to the training set")
	flags.IntVar(&cmd.folds, "folds", 5, "cross-validation folds for penalty selection")
	flags.Float64Var(&cmd.l1Ratio, "l1-ratio", 0.5, "elastic net mixing weight (1 = lasso, 0 = ridge)")
	flags.StringVar(&cmd.penalties, "penalties", "1,0.5,0.2,0.1,0.05,0.02,0.01", "comma-separated penalty strength grid")
	flags.Int64Var(&cmd.randSeed, "random-seed", 0, "PRNG seed for the train/test split and fold assignment")
	loglevel := flags.String("loglevel", "info", "logging threshold (trace, debug, info, warn, error, fatal, or panic)")
	err := flags.Parse(args)
	if err == flag.ErrHelp {
		return nil
	} else if err != nil {
		return err
	} else if flags.NArg() > 0 {
		return fmt.Errorf("errant command line arguments after parsed flags: %v", flags.Args())
	}
	if cmd.l1Ratio < 0 || cmd.l1Ratio > 1 {
		return fmt.Errorf("-l1-ratio must be in [0,1], got %v", cmd.l1Ratio)
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
	model, training, err := cmd.analyze(ds)
	if err != nil {
		return err
	}
	return cmd.write(ds, model, training)
}

// splitSamples assigns samples to training and test partitions. Not
// stratified by label: this mirrors a fixed random partition, so a
// strong class imbalance can carry into either partition (logged as a
// warning by the caller).
func splitSamples(n int, size float64, rnd *rand.Rand) (training, test []int) {
	for i := 0; i < n; i++ {
		training = append(training, i)
	}
	wantlen := int(size)
	if size <= 1 {
		wantlen = int(size * float64(n))
	}
	for tslen := len(training); tslen > wantlen; {
		i := int(rnd.Int63()) % tslen
		test = append(test, training[i])
		tslen--
		training[i] = training[tslen]
		training = training[:tslen]
	}
	sort.Ints(training)
	sort.Ints(test)
	return
}

func (cmd *elasticNet) analyze(ds *Dataset) (*ClassifierModel, []int, error) {
	cc := ds.CompleteCases()
	if len(cc.Sites) == 0 {
		return nil, nil, &MissingDataError{Stage: "elastic-net", Site: "(all)"}
	}
	n := len(cc.Samples)
	labels := cc.Labels()
	cases, controls := cc.CaseControlCounts()
	log.Warnf("train/test split is not stratified by label (%d tumor vs %d normal-adjacent); partitions may be imbalanced", cases, controls)

	rnd := rand.New(rand.NewSource(cmd.randSeed))
	training, test := splitSamples(n, cmd.trainingSetSize, rnd)
	if len(training) < cmd.folds {
		return nil, nil, &InsufficientSamplesError{Stage: "elastic-net", Have: len(training), Need: cmd.folds, Detail: "training partition smaller than fold count"}
	}
	if len(test) == 0 {
		return nil, nil, &InsufficientSamplesError{Stage: "elastic-net", Have: 0, Need: 1, Detail: "held-out partition is empty"}
	}
	counts := func(idx []int) (c, t int) {
		for _, i := range idx {
			if labels[i] {
				c++
			} else {
				t++
			}
		}
		return
	}
	trainCases, trainControls := counts(training)
	if trainCases < 2 || trainControls < 2 {
		have := trainCases
		if trainControls < have {
			have = trainControls
		}
		return nil, nil, &InsufficientSamplesError{Stage: "elastic-net", Have: have, Need: 2, Detail: "smaller class in training partition"}
	}
	testCases, testControls := counts(test)
	if testCases == 0 || testControls == 0 {
		return nil, nil, &InsufficientSamplesError{Stage: "elastic-net", Have: 0, Need: 1, Detail: "held-out partition has a single class"}
	}
	log.Infof("split: %d training (%d tumor), %d test (%d tumor)", len(training), trainCases, len(test), testCases)

	// features row-major: one row per sample, one column per site
	rows := make([][]float64, n)
	for i := 0; i < n; i++ {
		row := make([]float64, len(cc.Sites))
		for j := range cc.Sites {
			row[j] = cc.Beta[j][i]
		}
		rows[i] = row
	}
	pick := func(idx []int, src [][]float64) [][]float64 {
		out := make([][]float64, len(idx))
		for i, ii := range idx {
			out[i] = src[ii]
		}
		return out
	}
	pickLabels := func(idx []int) []bool {
		out := make([]bool, len(idx))
		for i, ii := range idx {
			out[i] = labels[ii]
		}
		return out
	}

	grid, err := parsePenalties(cmd.penalties)
	if err != nil {
		return nil, nil, err
	}

	// k-fold cross-validation on the training partition, optimizing
	// AUC. Fold assignment comes from a seeded permutation.
	perm := rnd.Perm(len(training))
	fold := make([]int, len(training))
	for i, p := range perm {
		fold[i] = p % cmd.folds
	}
	model := &ClassifierModel{
		L1Ratio:         cmd.l1Ratio,
		TrainingSamples: len(training),
		TestSamples:     len(test),
		RandomSeed:      cmd.randSeed,
	}
	bestAUC := math.Inf(-1)
	for _, penalty := range grid {
		var aucs []float64
		for k := 0; k < cmd.folds; k++ {
			var cvTrain, cvHold []int
			for i, ii := range training {
				if fold[i] == k {
					cvHold = append(cvHold, ii)
				} else {
					cvTrain = append(cvTrain, ii)
				}
			}
			if len(cvHold) == 0 {
				continue
			}
			auc, err := cmd.cvFold(pick(cvTrain, rows), pickLabels(cvTrain), pick(cvHold, rows), pickLabels(cvHold), cc.Sites, penalty)
			if err != nil {
				log.Debugf("penalty %v fold %d: %s", penalty, k, err)
				continue
			}
			if !math.IsNaN(auc) {
				aucs = append(aucs, auc)
			}
		}
		if len(aucs) == 0 {
			log.Warnf("penalty %v: no usable folds", penalty)
			continue
		}
		mean := stat.Mean(aucs, nil)
		model.CV = append(model.CV, CVPoint{Penalty: penalty, MeanAUC: mean, Folds: len(aucs)})
		log.Infof("penalty %v: mean AUC %.4f over %d folds", penalty, mean, len(aucs))
		if mean > bestAUC {
			bestAUC = mean
			model.Penalty = penalty
		}
	}
	if len(model.CV) == 0 {
		return nil, nil, &DegenerateFitError{Stage: "elastic-net", Reason: "cross-validation produced no usable folds"}
	}
	log.Infof("selected penalty %v (mean AUC %.4f)", model.Penalty, bestAUC)

	// final fit on the full training partition; test data never
	// touches the scaler or the fit
	sc, err := fitScaler(pick(training, rows), len(cc.Sites), cc.Sites, "elastic-net")
	if err != nil {
		return nil, nil, err
	}
	trainX := sc.transform(pick(training, rows))
	trainY := pickLabels(training)
	log.Print("fitting")
	intercept, coefs, err := fitLogistic(trainX, trainY, cc.Sites, model.Penalty*cmd.l1Ratio, model.Penalty*(1-cmd.l1Ratio))
	if err != nil {
		return nil, nil, err
	}
	model.Intercept = intercept
	for j, c := range coefs {
		if c != 0 {
			model.Coefficients = append(model.Coefficients, Coefficient{Site: cc.Sites[j], Value: c})
		}
	}
	sort.Slice(model.Coefficients, func(i, j int) bool {
		return math.Abs(model.Coefficients[i].Value) > math.Abs(model.Coefficients[j].Value)
	})
	log.Infof("%d non-zero coefficients", len(model.Coefficients))

	testX := sc.transform(pick(test, rows))
	testY := pickLabels(test)
	correct := 0
	for i, row := range testX {
		pred := predictProb(intercept, coefs, row) >= 0.5
		switch {
		case pred && testY[i]:
			model.Confusion.TruePositives++
			correct++
		case pred && !testY[i]:
			model.Confusion.FalsePositives++
		case !pred && !testY[i]:
			model.Confusion.TrueNegatives++
			correct++
		default:
			model.Confusion.FalseNegatives++
		}
	}
	sens := float64(model.Confusion.TruePositives) / float64(testCases)
	spec := float64(model.Confusion.TrueNegatives) / float64(testControls)
	model.BalancedAccuracy = (sens + spec) / 2

	nir := float64(testCases) / float64(len(test))
	if testControls > testCases {
		nir = float64(testControls) / float64(len(test))
	}
	model.NoInformationRate = nir
	binom := distuv.Binomial{N: float64(len(test)), P: nir}
	model.BinomialP = 1 - binom.CDF(float64(correct)-1)
	log.Infof("balanced accuracy %.4f, accuracy-vs-chance p %.4g", model.BalancedAccuracy, model.BinomialP)
	return model, training, nil
}

func (cmd *elasticNet) cvFold(trainRows [][]float64, trainY []bool, holdRows [][]float64, holdY []bool, sites []string, penalty float64) (float64, error) {
	sc, err := fitScaler(trainRows, len(sites), sites, "elastic-net")
	if err != nil {
		return 0, err
	}
	intercept, coefs, err := fitLogistic(sc.transform(trainRows), trainY, sites, penalty*cmd.l1Ratio, penalty*(1-cmd.l1Ratio))
	if err != nil {
		return 0, err
	}
	scores := make([]float64, len(holdRows))
	for i, row := range sc.transform(holdRows) {
		scores[i] = predictProb(intercept, coefs, row)
	}
	return rocAUC(scores, holdY), nil
}

func parsePenalties(s string) ([]float64, error) {
	var grid []float64
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("-penalties: cannot parse %q: %w", part, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("-penalties: penalty must be > 0, got %v", v)
		}
		grid = append(grid, v)
	}
	if len(grid) == 0 {
		return nil, fmt.Errorf("-penalties: empty grid")
	}
	return grid, nil
}

func (cmd *elasticNet) write(ds *Dataset, model *ClassifierModel, training []int) error {
	fnm := cmd.outputDir + "/coefficients.csv"
	log.Infof("writing coefficients to %s", fnm)
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "Site,Coefficient\n")
	if err != nil {
		return err
	}
	for _, c := range model.Coefficients {
		_, err = fmt.Fprintf(f, "%s,%v\n", c.Site, c.Value)
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}

	fnm = cmd.outputDir + "/samples.csv"
	log.Infof("writing sample metadata to %s", fnm)
	f, err = os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprint(f, "Index,SampleID,CaseControl,TrainingValidation\n")
	if err != nil {
		return err
	}
	isTraining := make(map[int]bool, len(training))
	for _, i := range training {
		isTraining[i] = true
	}
	for i, s := range ds.Samples {
		cc, tv := "0", "0"
		if s.Case {
			cc = "1"
		}
		if isTraining[i] {
			tv = "1"
		}
		_, err = fmt.Fprintf(f, "%d,%s,%s,%s\n", i, s.ID, cc, tv)
		if err != nil {
			return fmt.Errorf("write %s: %w", fnm, err)
		}
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("close %s: %w", fnm, err)
	}

	j, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return err
	}
	fnm = cmd.outputDir + "/model.json"
	log.Infof("writing model summary to %s", fnm)
	err = os.WriteFile(fnm, j, 0777)
	if err != nil {
		return err
	}
	log.Print("done")
	return nil
}
