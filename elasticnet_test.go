// Copyright (C) The Methyl Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methyl

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"strings"

	"gopkg.in/check.v1"
)

type elasticNetSuite struct{}

var _ = check.Suite(&elasticNetSuite{})

func (s *elasticNetSuite) TestSplitSamples(c *check.C) {
	rnd := rand.New(rand.NewSource(5))
	training, test := splitSamples(20, 0.7, rnd)
	c.Check(training, check.HasLen, 14)
	c.Check(test, check.HasLen, 6)
	seen := map[int]bool{}
	for _, i := range append(append([]int(nil), training...), test...) {
		c.Check(seen[i], check.Equals, false)
		c.Check(i >= 0 && i < 20, check.Equals, true)
		seen[i] = true
	}
	c.Check(seen, check.HasLen, 20)

	// absolute size
	training, test = splitSamples(20, 15, rand.New(rand.NewSource(5)))
	c.Check(training, check.HasLen, 15)
	c.Check(test, check.HasLen, 5)
}

func (s *elasticNetSuite) TestSplitSamplesDeterministic(c *check.C) {
	a, atest := splitSamples(30, 0.7, rand.New(rand.NewSource(9)))
	b, btest := splitSamples(30, 0.7, rand.New(rand.NewSource(9)))
	c.Check(b, check.DeepEquals, a)
	c.Check(btest, check.DeepEquals, atest)
	d, _ := splitSamples(30, 0.7, rand.New(rand.NewSource(10)))
	c.Check(d, check.Not(check.DeepEquals), a)
}

func (s *elasticNetSuite) TestScaler(c *check.C) {
	rows := [][]float64{{0.1, 0.9}, {0.2, 0.5}, {0.4, 0.3}, {0.3, 0.7}}
	sc, err := fitScaler(rows, 2, []string{"a", "b"}, "test")
	c.Assert(err, check.IsNil)
	scaled := sc.transform(rows)
	for j := 0; j < 2; j++ {
		col := make([]float64, len(scaled))
		for i := range scaled {
			col[i] = scaled[i][j]
		}
		mean, std := meanStd(col)
		c.Check(math.Abs(mean) < 1e-12, check.Equals, true)
		c.Check(math.Abs(std-1) < 1e-12, check.Equals, true)
	}
	// transform applies training statistics to new rows
	out := sc.transform([][]float64{{sc.mean[0], sc.mean[1]}})
	c.Check(out[0][0], check.Equals, 0.0)
	c.Check(out[0][1], check.Equals, 0.0)
}

func (s *elasticNetSuite) TestScalerZeroVariance(c *check.C) {
	rows := [][]float64{{0.5, 0.9}, {0.5, 0.5}, {0.5, 0.3}}
	_, err := fitScaler(rows, 2, []string{"a", "b"}, "test")
	var dfe *DegenerateFitError
	c.Assert(errors.As(err, &dfe), check.Equals, true)
	c.Check(dfe.Site, check.Equals, "a")
}

func (s *elasticNetSuite) TestRocAUC(c *check.C) {
	// perfect separation
	auc := rocAUC([]float64{0.9, 0.8, 0.2, 0.1}, []bool{true, true, false, false})
	c.Check(math.Abs(auc-1) < 1e-12, check.Equals, true)
	// perfectly wrong
	auc = rocAUC([]float64{0.1, 0.2, 0.8, 0.9}, []bool{true, true, false, false})
	c.Check(math.Abs(auc) < 1e-12, check.Equals, true)
	// 3 of 4 pairs ranked correctly
	auc = rocAUC([]float64{0.1, 0.2, 0.3, 0.4}, []bool{false, true, false, true})
	c.Check(math.Abs(auc-0.75) < 1e-12, check.Equals, true)
	// single class
	c.Check(math.IsNaN(rocAUC([]float64{0.1, 0.2}, []bool{true, true})), check.Equals, true)
}

func (s *elasticNetSuite) TestParsePenalties(c *check.C) {
	grid, err := parsePenalties("1,0.5, 0.1")
	c.Assert(err, check.IsNil)
	c.Check(grid, check.DeepEquals, []float64{1, 0.5, 0.1})
	_, err = parsePenalties("1,x")
	c.Check(err, check.ErrorMatches, `-penalties: cannot parse "x".*`)
	_, err = parsePenalties("1,-2")
	c.Check(err, check.ErrorMatches, `-penalties: penalty must be > 0.*`)
}

func (s *elasticNetSuite) TestAnalyzeSyntheticSignal(c *check.C) {
	ds := syntheticDataset()
	cmd := &elasticNet{
		trainingSetSize: 0.7,
		folds:           3,
		l1Ratio:         0.5,
		penalties:       "0.1,0.01",
		randSeed:        2,
	}
	model, training, err := cmd.analyze(ds)
	c.Assert(err, check.IsNil)
	c.Check(training, check.HasLen, 14)
	c.Check(model.TrainingSamples, check.Equals, 14)
	c.Check(model.TestSamples, check.Equals, 6)
	c.Check(len(model.CV) > 0, check.Equals, true)
	c.Assert(len(model.Coefficients) > 0, check.Equals, true)
	c.Check(model.Coefficients[0].Site, check.Equals, "cg00000001")
	c.Check(model.BalancedAccuracy > 0.9, check.Equals, true)
	c.Check(model.NoInformationRate >= 0.5, check.Equals, true)
	c.Check(model.BinomialP <= 0.5, check.Equals, true)
	cm := model.Confusion
	c.Check(cm.TruePositives+cm.FalsePositives+cm.TrueNegatives+cm.FalseNegatives, check.Equals, 6)

	// row sums match the true class counts of the held-out partition
	isTraining := map[int]bool{}
	for _, i := range training {
		isTraining[i] = true
	}
	testCases, testControls := 0, 0
	for i, sample := range ds.Samples {
		if isTraining[i] {
			continue
		}
		if sample.Case {
			testCases++
		} else {
			testControls++
		}
	}
	c.Check(cm.TruePositives+cm.FalseNegatives, check.Equals, testCases)
	c.Check(cm.TrueNegatives+cm.FalsePositives, check.Equals, testControls)
}

func (s *elasticNetSuite) TestAnalyzeDeterministic(c *check.C) {
	cmd := &elasticNet{
		trainingSetSize: 0.7,
		folds:           3,
		l1Ratio:         0.5,
		penalties:       "0.1,0.01",
		randSeed:        2,
	}
	a, atrain, err := cmd.analyze(syntheticDataset())
	c.Assert(err, check.IsNil)
	b, btrain, err := cmd.analyze(syntheticDataset())
	c.Assert(err, check.IsNil)
	c.Check(b, check.DeepEquals, a)
	c.Check(btrain, check.DeepEquals, atrain)
}

func (s *elasticNetSuite) TestPenaltyDrivesSparsity(c *check.C) {
	weak, _, err := (&elasticNet{
		trainingSetSize: 0.7, folds: 3, l1Ratio: 1, penalties: "0.001", randSeed: 2,
	}).analyze(syntheticDataset())
	c.Assert(err, check.IsNil)
	mid, _, err := (&elasticNet{
		trainingSetSize: 0.7, folds: 3, l1Ratio: 1, penalties: "1", randSeed: 2,
	}).analyze(syntheticDataset())
	c.Assert(err, check.IsNil)
	strong, _, err := (&elasticNet{
		trainingSetSize: 0.7, folds: 3, l1Ratio: 1, penalties: "100", randSeed: 2,
	}).analyze(syntheticDataset())
	c.Assert(err, check.IsNil)
	c.Check(len(mid.Coefficients) <= len(weak.Coefficients), check.Equals, true)
	c.Check(len(strong.Coefficients) <= len(mid.Coefficients), check.Equals, true)
	c.Check(len(strong.Coefficients) <= 1, check.Equals, true)
	// whatever survives heavy regularization is the shifted site
	for _, m := range []*ClassifierModel{mid, strong} {
		for _, coef := range m.Coefficients {
			c.Check(coef.Site, check.Equals, "cg00000001")
		}
	}
	c.Assert(len(weak.Coefficients) > 0, check.Equals, true)
	c.Check(weak.Coefficients[0].Site, check.Equals, "cg00000001")
}

func (s *elasticNetSuite) TestAnalyzeBadPartitions(c *check.C) {
	var ise *InsufficientSamplesError

	// no held-out samples
	_, _, err := (&elasticNet{
		trainingSetSize: 20, folds: 3, l1Ratio: 0.5, penalties: "0.1", randSeed: 1,
	}).analyze(syntheticDataset())
	c.Assert(errors.As(err, &ise), check.Equals, true)
	c.Check(ise.Detail, check.Equals, "held-out partition is empty")

	// training partition smaller than fold count
	_, _, err = (&elasticNet{
		trainingSetSize: 0.2, folds: 5, l1Ratio: 0.5, penalties: "0.1", randSeed: 1,
	}).analyze(syntheticDataset())
	c.Assert(errors.As(err, &ise), check.Equals, true)
	c.Check(ise.Detail, check.Equals, "training partition smaller than fold count")
}

func (s *elasticNetSuite) TestCommand(c *check.C) {
	dir := c.MkDir()
	ds := syntheticDataset()
	err := ds.Save(dir + "/dataset.gob.gz")
	c.Assert(err, check.IsNil)

	var stdout, stderr strings.Builder
	code := (&elasticNet{}).RunCommand("methyl elastic-net", []string{
		"-i", dir + "/dataset.gob.gz",
		"-output-dir", dir,
		"-folds", "3",
		"-penalties", "0.1,0.01",
		"-random-seed", "2",
	}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))

	buf, err := os.ReadFile(dir + "/coefficients.csv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	c.Check(lines[0], check.Equals, "Site,Coefficient")
	c.Assert(len(lines) >= 2, check.Equals, true)
	c.Check(strings.HasPrefix(lines[1], "cg00000001,"), check.Equals, true)

	buf, err = os.ReadFile(dir + "/samples.csv")
	c.Assert(err, check.IsNil)
	lines = strings.Split(strings.TrimSpace(string(buf)), "\n")
	c.Assert(len(lines), check.Equals, 21)
	c.Check(lines[0], check.Equals, "Index,SampleID,CaseControl,TrainingValidation")
	nTraining := 0
	for _, line := range lines[1:] {
		if strings.HasSuffix(line, ",1") {
			nTraining++
		}
	}
	c.Check(nTraining, check.Equals, 14)

	buf, err = os.ReadFile(dir + "/model.json")
	c.Assert(err, check.IsNil)
	var model ClassifierModel
	c.Assert(json.Unmarshal(buf, &model), check.IsNil)
	c.Check(model.TrainingSamples, check.Equals, 14)
	c.Check(model.TestSamples, check.Equals, 6)
	c.Check(len(model.CV) > 0, check.Equals, true)
}
