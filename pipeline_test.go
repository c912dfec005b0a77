// Copyright (C) The Methyl Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methyl

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/check.v1"
)

type pipelineSuite struct{}

var _ = check.Suite(&pipelineSuite{})

// writeSyntheticInputs renders the synthetic dataset as the two CSV
// input files the run command expects.
func writeSyntheticInputs(c *check.C, dir string) (methylation, clinical string) {
	ds := syntheticDataset()

	var b strings.Builder
	b.WriteString("site")
	for _, s := range ds.Samples {
		b.WriteString("," + s.ID)
	}
	b.WriteString("\n")
	for i, site := range ds.Sites {
		b.WriteString(site)
		for _, v := range ds.Beta[i] {
			b.WriteString("," + strconv.FormatFloat(v, 'f', -1, 64))
		}
		b.WriteString("\n")
	}
	methylation = dir + "/methylation.csv"
	err := os.WriteFile(methylation, []byte(b.String()), 0666)
	c.Assert(err, check.IsNil)

	b.Reset()
	b.WriteString("sample,patient,sample_type\n")
	for _, s := range ds.Samples {
		fmt.Fprintf(&b, "%s,%s,%s\n", s.ID, s.Patient, s.Tissue)
	}
	clinical = dir + "/clinical.csv"
	err = os.WriteFile(clinical, []byte(b.String()), 0666)
	c.Assert(err, check.IsNil)
	return
}

func (s *pipelineSuite) TestRunCommand(c *check.C) {
	dir := c.MkDir()
	methylation, clinical := writeSyntheticInputs(c, dir)

	var stdout, stderr strings.Builder
	code := handler.RunCommand("methyl", []string{
		"run",
		"-methylation", methylation,
		"-clinical", clinical,
		"-output-dir", dir,
		"-permutations", "5",
		"-folds", "3",
		"-penalties", "0.1,0.01",
		"-random-seed", "2",
	}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))

	// every stage left its outputs behind
	for _, fnm := range []string{
		"dataset.gob.gz",
		"site-summary.csv", "beta-histogram.csv", "correlation-sites.csv", "correlation.npy",
		"assoc.csv", "permutation.csv", "assoc.json",
		"pca-scores.npy", "pca-loadings.npy", "pca-variance.csv", "pca-sites.csv", "pca-samples.csv",
		"coefficients.csv", "samples.csv", "model.json",
		"crossref.csv",
	} {
		fi, err := os.Stat(dir + "/" + fnm)
		c.Assert(err, check.IsNil, check.Commentf("%s", fnm))
		c.Check(fi.Size() > 0, check.Equals, true, check.Commentf("%s", fnm))
	}

	ds, err := LoadDataset(dir + "/dataset.gob.gz")
	c.Assert(err, check.IsNil)
	c.Check(ds.Sites, check.HasLen, 4)
	c.Check(ds.Samples, check.HasLen, 20)

	// the shifted site tops the univariate ranking and survives
	// correction; the noise sites do not
	buf, err := os.ReadFile(dir + "/assoc.csv")
	c.Assert(err, check.IsNil)
	lines := strings.Split(strings.TrimSpace(string(buf)), "\n")
	c.Assert(len(lines), check.Equals, 5)
	c.Check(strings.HasPrefix(lines[1], "cg00000001,"), check.Equals, true)
	c.Check(strings.HasSuffix(lines[1], ",1"), check.Equals, true)
	for _, line := range lines[2:] {
		c.Check(strings.HasSuffix(line, ",0"), check.Equals, true)
	}

	// the shifted site carries the largest model coefficient
	buf, err = os.ReadFile(dir + "/coefficients.csv")
	c.Assert(err, check.IsNil)
	lines = strings.Split(strings.TrimSpace(string(buf)), "\n")
	c.Assert(len(lines) >= 2, check.Equals, true)
	c.Check(strings.HasPrefix(lines[1], "cg00000001,"), check.Equals, true)

	// both analyses agree on it
	buf, err = os.ReadFile(dir + "/crossref.csv")
	c.Assert(err, check.IsNil)
	lines = strings.Split(strings.TrimSpace(string(buf)), "\n")
	c.Check(lines[0], check.Equals, "Site,BonferroniPValue,Coefficient")
	c.Assert(len(lines), check.Equals, 2)
	c.Check(strings.HasPrefix(lines[1], "cg00000001,"), check.Equals, true)
}

func (s *pipelineSuite) TestRunCommandMissingFlags(c *check.C) {
	var stdout, stderr strings.Builder
	code := handler.RunCommand("methyl", []string{"run"}, nil, &stdout, &stderr)
	c.Check(code, check.Equals, 1)
	c.Check(stderr.String(), check.Matches, `(?s).*must provide both -methylation and -clinical.*`)
}

func (s *pipelineSuite) TestUnknownSubcommand(c *check.C) {
	var stdout, stderr strings.Builder
	code := handler.RunCommand("methyl", []string{"frobnicate"}, nil, &stdout, &stderr)
	c.Check(code, check.Not(check.Equals), 0)
}

func (s *pipelineSuite) TestStageChaining(c *check.C) {
	// the standalone subcommands consume the dataset written by import
	dir := c.MkDir()
	methylation, clinical := writeSyntheticInputs(c, dir)

	var stdout, stderr strings.Builder
	code := handler.RunCommand("methyl", []string{
		"import",
		"-methylation", methylation,
		"-clinical", clinical,
		"-o", dir + "/dataset.gob.gz",
	}, nil, &stdout, &stderr)
	c.Assert(code, check.Equals, 0, check.Commentf("%s", stderr.String()))

	for _, args := range [][]string{
		{"summarize", "-i", dir + "/dataset.gob.gz", "-output-dir", dir},
		{"assoc", "-i", dir + "/dataset.gob.gz", "-output-dir", dir},
		{"pca", "-i", dir + "/dataset.gob.gz", "-output-dir", dir},
		{"elastic-net", "-i", dir + "/dataset.gob.gz", "-output-dir", dir, "-folds", "3", "-penalties", "0.1", "-random-seed", "2"},
	} {
		stderr.Reset()
		code := handler.RunCommand("methyl", args, nil, &stdout, &stderr)
		c.Check(code, check.Equals, 0, check.Commentf("%v: %s", args, stderr.String()))
	}
}
