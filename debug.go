// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package chihaya

import (
	"net/http"
	_ "net/http/pprof"

	"github.com/golang/glog"
)

var debugListenAddr = "localhost:6060"

// debugBoot starts a pprof server on localhost so a running tracker can be
// profiled without any configuration.
func debugBoot() {
	go func() {
		glog.V(2).Infof("debug: serving pprof on %s", debugListenAddr)
		if err := http.ListenAndServe(debugListenAddr, nil); err != nil {
			glog.V(2).Infof("debug: pprof server stopped: %s", err)
		}
	}()
}

func debugShutdown() {
	glog.V(1).Info("debug: shutdown")
}
