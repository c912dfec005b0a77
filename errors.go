// Copyright (C) The Methyl Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package methyl

import (
	"fmt"
	"strings"
)

// SchemaMismatchError indicates that the methylation matrix and the
// clinical table disagree on the sample set.
type SchemaMismatchError struct {
	MissingClinical []string // sample columns with no clinical row
	MissingBeta     []string // clinical rows with no sample column
}

func (e *SchemaMismatchError) Error() string {
	var parts []string
	if len(e.MissingClinical) > 0 {
		parts = append(parts, fmt.Sprintf("%d matrix samples have no clinical row (first: %s)", len(e.MissingClinical), e.MissingClinical[0]))
	}
	if len(e.MissingBeta) > 0 {
		parts = append(parts, fmt.Sprintf("%d clinical rows have no matrix column (first: %s)", len(e.MissingBeta), e.MissingBeta[0]))
	}
	return "schema mismatch: " + strings.Join(parts, "; ")
}

// MissingDataError indicates that an operation requiring complete cases
// was given data with gaps that the complete-case filter did not remove.
type MissingDataError struct {
	Stage string
	Site  string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("%s: site %s has missing values", e.Stage, e.Site)
}

// DegenerateFitError indicates that a statistical procedure is
// undefined for the given data, e.g. a zero-variance feature or a
// regression that fails to converge.
type DegenerateFitError struct {
	Stage  string
	Site   string
	Reason string
}

func (e *DegenerateFitError) Error() string {
	if e.Site != "" {
		return fmt.Sprintf("%s: site %s: %s", e.Stage, e.Site, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Reason)
}

// InsufficientSamplesError indicates there are too few samples to run a
// procedure, e.g. fewer training samples than cross-validation folds.
type InsufficientSamplesError struct {
	Stage  string
	Have   int
	Need   int
	Detail string
}

func (e *InsufficientSamplesError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %d samples < %d required (%s)", e.Stage, e.Have, e.Need, e.Detail)
	}
	return fmt.Sprintf("%s: %d samples < %d required", e.Stage, e.Have, e.Need)
}
