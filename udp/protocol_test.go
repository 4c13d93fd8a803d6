// Copyright 2015 The Chihaya Authors. All rights reserved.
// Use of this source code is governed by the BSD 2-Clause license,
// which can be found in the LICENSE file.

package udp

import (
	"testing"

	"github.com/torrtrack/chihaya/tracker/models"
)

func TestUdpEventToModel(t *testing.T) {
	cases := []struct {
		in   udpEvent
		want models.Event
	}{
		{udpEventNone, models.None},
		{udpEventCompleted, models.Completed},
		{udpEventStarted, models.Started},
		{udpEventStopped, models.Stopped},
	}
	for _, c := range cases {
		got, err := c.in.toModel()
		if err != nil {
			t.Errorf("toModel(%d): unexpected error %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("toModel(%d) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestUdpEventToModelRejectsUnknown(t *testing.T) {
	if _, err := udpEvent(99).toModel(); err == nil {
		t.Fatal("want error for an unrecognized event number")
	}
}

func TestMinimumLengthsAccountForSharedHeader(t *testing.T) {
	if minConnectLen != 16 {
		t.Errorf("minConnectLen = %d, want 16", minConnectLen)
	}
	if minAnnounceLen != 98 {
		t.Errorf("minAnnounceLen = %d, want 98", minAnnounceLen)
	}
	if minScrapeLen != 16+infoHashLen {
		t.Errorf("minScrapeLen = %d, want %d", minScrapeLen, 16+infoHashLen)
	}
}
