// Copyright (C) The Methyl Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methyl

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/gob"
	"flag"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/csimplestring/go-csv/detector"
	"github.com/gocarina/gocsv"
	"github.com/klauspost/pgzip"
	log "github.com/sirupsen/logrus"
)

// Sample is one tissue sample: a methylation matrix column plus its
// clinical annotations. Case==true means tumor tissue. A patient may
// contribute multiple samples (e.g. tumor and normal-adjacent from the
// same individual).
type Sample struct {
	ID      string
	Patient string
	Tissue  string
	Case    bool
}

// Dataset is the aligned methylation matrix and clinical metadata.
// Beta is site-major: Beta[i][j] is the beta value of Sites[i] in
// Samples[j], NaN for missing. All beta values are in [0,1].
type Dataset struct {
	Sites   []string
	Samples []Sample
	Beta    [][]float64
}

func (ds *Dataset) Labels() []bool {
	labels := make([]bool, len(ds.Samples))
	for i, s := range ds.Samples {
		labels[i] = s.Case
	}
	return labels
}

func (ds *Dataset) CaseControlCounts() (cases, controls int) {
	for _, s := range ds.Samples {
		if s.Case {
			cases++
		} else {
			controls++
		}
	}
	return
}

func (ds *Dataset) SampleIDs() []string {
	ids := make([]string, len(ds.Samples))
	for i, s := range ds.Samples {
		ids[i] = s.ID
	}
	return ids
}

// MissingCells returns the number of NaN entries in the matrix.
func (ds *Dataset) MissingCells() int {
	n := 0
	for _, row := range ds.Beta {
		for _, v := range row {
			if math.IsNaN(v) {
				n++
			}
		}
	}
	return n
}

// CompleteCases returns the subset of sites with no missing values
// across any sample. The returned Dataset shares sample metadata and
// beta rows with the receiver.
func (ds *Dataset) CompleteCases() *Dataset {
	cc := &Dataset{Samples: ds.Samples}
	for i, row := range ds.Beta {
		complete := true
		for _, v := range row {
			if math.IsNaN(v) {
				complete = false
				break
			}
		}
		if complete {
			cc.Sites = append(cc.Sites, ds.Sites[i])
			cc.Beta = append(cc.Beta, row)
		}
	}
	return cc
}

// groupValues splits one site's non-missing beta values into tumor and
// normal-adjacent groups, preserving sample order within each group.
func (ds *Dataset) groupValues(site int) (cases, controls []float64) {
	for j, v := range ds.Beta[site] {
		if math.IsNaN(v) {
			continue
		}
		if ds.Samples[j].Case {
			cases = append(cases, v)
		} else {
			controls = append(controls, v)
		}
	}
	return
}

// Save writes the dataset as gob, pgzip-compressed if fnm ends in .gz.
func (ds *Dataset) Save(fnm string) error {
	f, err := os.OpenFile(fnm, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0777)
	if err != nil {
		return err
	}
	defer f.Close()
	var w io.Writer = f
	bufw := bufio.NewWriter(f)
	w = bufw
	var gzw *pgzip.Writer
	if strings.HasSuffix(fnm, ".gz") {
		gzw = pgzip.NewWriter(bufw)
		w = gzw
	}
	err = gob.NewEncoder(w).Encode(ds)
	if err != nil {
		return fmt.Errorf("encode %s: %w", fnm, err)
	}
	if gzw != nil {
		err = gzw.Close()
		if err != nil {
			return fmt.Errorf("close gzip %s: %w", fnm, err)
		}
	}
	err = bufw.Flush()
	if err != nil {
		return err
	}
	return f.Close()
}

// LoadDataset reads a dataset gob written by Save.
func LoadDataset(fnm string) (*Dataset, error) {
	rdr, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	var ds Dataset
	err = gob.NewDecoder(bufio.NewReaderSize(rdr, 1<<22)).Decode(&ds)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", fnm, err)
	}
	return &ds, nil
}

// open opens a file for reading, transparently decompressing if the
// name ends in .gz.
func open(fnm string) (io.ReadCloser, error) {
	f, err := os.Open(fnm)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(fnm, ".gz") {
		return f, nil
	}
	gzr, err := pgzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return struct {
		io.Reader
		io.Closer
	}{gzr, f}, nil
}

// detectDelimiter returns the most likely field delimiter of a
// CSV-like header line. The detector reports every consistently
// repeated byte as a candidate, in map order, and characters inside
// ids (the "-" in TCGA barcodes, the "_" in "sample_type") tie with
// the real separator, so only known separators are accepted, in a
// fixed preference order.
func detectDelimiter(header string) rune {
	d := detector.New()
	candidates := map[byte]bool{}
	for _, s := range d.DetectDelimiter(strings.NewReader(header), '"') {
		candidates[s[0]] = true
	}
	for _, c := range []byte{',', '\t', ';'} {
		if candidates[c] {
			return rune(c)
		}
	}
	return ','
}

func parseBeta(s string) (float64, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NA", "N/A", "NAN", "NULL":
		return math.NaN(), nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("beta value %v outside [0,1]", v)
	}
	return v, nil
}

// readBetaMatrix reads a site x sample matrix: first column = CpG site
// id, header row = sample ids, cells = beta in [0,1] or empty/NA.
func readBetaMatrix(fnm string) (sites []string, samples []string, beta [][]float64, err error) {
	rdr, err := open(fnm)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rdr.Close()
	buf := bufio.NewReaderSize(rdr, 1<<22)
	header, err := buf.ReadString('\n')
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: read header: %w", fnm, err)
	}
	csvr := csv.NewReader(io.MultiReader(strings.NewReader(header), buf))
	csvr.Comma = detectDelimiter(header)
	csvr.ReuseRecord = true

	rec, err := csvr.Read()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%s: header: %w", fnm, err)
	}
	seen := map[string]bool{}
	for _, id := range rec[1:] {
		if seen[id] {
			return nil, nil, nil, fmt.Errorf("%s: duplicate sample id %q", fnm, id)
		}
		seen[id] = true
		samples = append(samples, id)
	}
	if len(samples) == 0 {
		return nil, nil, nil, fmt.Errorf("%s: no sample columns", fnm)
	}

	seenSite := map[string]bool{}
	for lineNum := 2; ; lineNum++ {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		} else if err != nil {
			return nil, nil, nil, fmt.Errorf("%s line %d: %w", fnm, lineNum, err)
		}
		if len(rec) != len(samples)+1 {
			return nil, nil, nil, fmt.Errorf("%s line %d: %d fields, expected %d", fnm, lineNum, len(rec), len(samples)+1)
		}
		site := rec[0]
		if seenSite[site] {
			return nil, nil, nil, fmt.Errorf("%s line %d: duplicate site id %q", fnm, lineNum, site)
		}
		seenSite[site] = true
		row := make([]float64, len(samples))
		for j, cell := range rec[1:] {
			row[j], err = parseBeta(cell)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("%s line %d, sample %s: %w", fnm, lineNum, samples[j], err)
			}
		}
		sites = append(sites, site)
		beta = append(beta, row)
	}
	if len(sites) == 0 {
		return nil, nil, nil, fmt.Errorf("%s: no site rows", fnm)
	}
	return sites, samples, beta, nil
}

type clinicalRow struct {
	Sample     string `csv:"sample"`
	Patient    string `csv:"patient"`
	SampleType string `csv:"sample_type"`
}

// clinicalColumns names the clinical table columns holding the sample
// barcode, patient id, and tissue type.
type clinicalColumns struct {
	Sample  string
	Patient string
	Tissue  string
}

var defaultClinicalColumns = clinicalColumns{
	Sample:  "sample",
	Patient: "patient",
	Tissue:  "sample_type",
}

// readClinical reads the clinical table, one row per sample id. The
// configured column names are mapped onto the clinicalRow fields by
// rewriting the header before unmarshalling.
func readClinical(fnm string, cols clinicalColumns) ([]*clinicalRow, error) {
	rdr, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer rdr.Close()
	buf, err := io.ReadAll(rdr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	nl := bytes.IndexByte(buf, '\n')
	if nl < 0 {
		nl = len(buf)
	}
	delim := detectDelimiter(string(buf[:nl]))

	headerRdr := csv.NewReader(bytes.NewReader(buf[:nl]))
	headerRdr.Comma = delim
	fields, err := headerRdr.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: header: %w", fnm, err)
	}
	found := map[string]bool{}
	for i, f := range fields {
		switch strings.TrimSpace(f) {
		case cols.Sample:
			fields[i] = "sample"
			found["sample"] = true
		case cols.Patient:
			fields[i] = "patient"
			found["patient"] = true
		case cols.Tissue:
			fields[i] = "sample_type"
			found["sample_type"] = true
		}
	}
	for _, col := range []struct{ canonical, configured string }{
		{"sample", cols.Sample},
		{"patient", cols.Patient},
		{"sample_type", cols.Tissue},
	} {
		if !found[col.canonical] {
			return nil, fmt.Errorf("%s: missing column %q", fnm, col.configured)
		}
	}
	var rebuilt bytes.Buffer
	headerWtr := csv.NewWriter(&rebuilt)
	headerWtr.Comma = delim
	err = headerWtr.Write(fields)
	if err != nil {
		return nil, err
	}
	headerWtr.Flush()
	rebuilt.Write(buf[nl:])

	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		r := csv.NewReader(in)
		r.Comma = delim
		r.LazyQuotes = true
		return r
	})
	var rows []*clinicalRow
	if err := gocsv.UnmarshalBytes(rebuilt.Bytes(), &rows); err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return rows, nil
}

// loadDataset reads and aligns the methylation matrix and clinical
// table, deriving the tumor/normal-adjacent case label.
func loadDataset(methylationFile, clinicalFile string, cols clinicalColumns, tumorLabel, normalLabel string) (*Dataset, error) {
	log.Infof("reading methylation matrix from %s", methylationFile)
	sites, sampleIDs, beta, err := readBetaMatrix(methylationFile)
	if err != nil {
		return nil, err
	}
	log.Infof("have %d sites x %d samples", len(sites), len(sampleIDs))

	log.Infof("reading clinical table from %s", clinicalFile)
	rows, err := readClinical(clinicalFile, cols)
	if err != nil {
		return nil, err
	}
	clinical := map[string]*clinicalRow{}
	for _, row := range rows {
		if _, ok := clinical[row.Sample]; ok {
			return nil, fmt.Errorf("%s: duplicate sample id %q", clinicalFile, row.Sample)
		}
		clinical[row.Sample] = row
	}

	mismatch := &SchemaMismatchError{}
	inMatrix := map[string]bool{}
	for _, id := range sampleIDs {
		inMatrix[id] = true
		if _, ok := clinical[id]; !ok {
			mismatch.MissingClinical = append(mismatch.MissingClinical, id)
		}
	}
	for _, row := range rows {
		if !inMatrix[row.Sample] {
			mismatch.MissingBeta = append(mismatch.MissingBeta, row.Sample)
		}
	}
	if len(mismatch.MissingClinical) > 0 || len(mismatch.MissingBeta) > 0 {
		return nil, mismatch
	}

	ds := &Dataset{Sites: sites, Beta: beta}
	for _, id := range sampleIDs {
		row := clinical[id]
		var isCase bool
		switch row.SampleType {
		case tumorLabel:
			isCase = true
		case normalLabel:
			isCase = false
		default:
			return nil, fmt.Errorf("%s: sample %s: unknown tissue type %q (expected %q or %q)", clinicalFile, id, row.SampleType, tumorLabel, normalLabel)
		}
		ds.Samples = append(ds.Samples, Sample{
			ID:      id,
			Patient: row.Patient,
			Tissue:  row.SampleType,
			Case:    isCase,
		})
	}

	cases, controls := ds.CaseControlCounts()
	log.Infof("%d tumor, %d normal-adjacent samples", cases, controls)
	log.Infof("%d missing cells, %d complete-case sites", ds.MissingCells(), len(ds.CompleteCases().Sites))
	return ds, nil
}

type importer struct {
	methylationFile string
	clinicalFile    string
	outputFile      string
	cols            clinicalColumns
	tumorLabel      string
	normalLabel     string
}

func (cmd *importer) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	err := cmd.run(prog, args, stdin, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "%s\n", err)
		return 1
	}
	return 0
}

func (cmd *importer) run(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.StringVar(&cmd.methylationFile, "methylation", "", "methylation beta matrix `file` (rows = CpG sites, columns = samples)")
	flags.StringVar(&cmd.clinicalFile, "clinical", "", "clinical metadata `file` (one row per sample)")
	flags.StringVar(&cmd.outputFile, "o", "dataset.gob.gz", "output dataset `file`")
	flags.StringVar(&cmd.cols.Sample, "sample-column", defaultClinicalColumns.Sample, "clinical `column` holding the sample barcode")
	flags.StringVar(&cmd.cols.Patient, "patient-column", defaultClinicalColumns.Patient, "clinical `column` holding the patient id")
	flags.StringVar(&cmd.cols.Tissue, "tissue-column", defaultClinicalColumns.Tissue, "clinical `column` holding the tissue type")
	flags.StringVar(&cmd.tumorLabel, "tumor-label", "Primary Tumor", "tissue type `label` for tumor samples")
	flags.StringVar(&cmd.normalLabel, "normal-label", "Solid Tissue Normal", "tissue type `label` for normal-adjacent samples")
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
	log.Infof("writing dataset to %s", cmd.outputFile)
	err = ds.Save(cmd.outputFile)
	if err != nil {
		return err
	}
	log.Print("done")
	return nil
}
