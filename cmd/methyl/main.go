// Copyright (C) The Methyl Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package main

import (
	"github.com/omixkit/methyl"
)

func main() {
	methyl.Main()
}
