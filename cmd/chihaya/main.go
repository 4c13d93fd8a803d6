// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package main

import (
	"github.com/torrtrack/chihaya"
)

func main() {
	chihaya.Boot()
}
