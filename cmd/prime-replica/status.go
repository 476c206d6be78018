// Copyright 2026 Spire Resilient Systems
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/schollz/progressbar/v3"

	"github.com/spire-resilient/prime-core/internal/ui"
	"github.com/spire-resilient/prime-core/pkg/config"
)

// replicaStatus is the subset of /metrics this command understands,
// scraped by name rather than via a full Prometheus client since the
// CLI only needs a handful of gauges.
type replicaStatus struct {
	lastExecuted int
	currentView  int
	reconfigGCN  int
	poPending    int
	viewChanges  int
	recoveries   int
}

// runStatus polls a running replica's Prometheus /metrics endpoint and
// prints a colorized summary, mirroring the teacher's cie status
// local/remote dual-mode shape but against this process's own metrics
// surface instead of a database.
func runStatus(args []string, globals GlobalFlags) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	watch := fs.Bool("watch", false, "Poll continuously until interrupted")
	interval := fs.Duration("interval", 2*time.Second, "Poll interval for --watch")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: prime-replica status [options]

Queries this replica's /metrics endpoint (metrics_addr in replica.yaml)
and prints a summary: last executed slot, current view, installed GCN,
pending PO slots, view-change and recovery counts.

Options:
`)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 1
	}

	ui.Init(globals.NoColor)

	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		ui.Errorf("%v", err)
		return 1
	}

	url := "http://" + cfg.MetricsAddr + "/metrics"

	if !*watch {
		st, err := fetchStatus(url)
		if err != nil {
			ui.Errorf("%v", err)
			return 1
		}
		printStatus(cfg.ReplicaID, st)
		return 0
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("watching replica"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWriter(os.Stderr),
	)
	for {
		st, err := fetchStatus(url)
		if err != nil {
			ui.Warningf("%v", err)
		} else {
			fmt.Print("\r\033[K")
			printStatus(cfg.ReplicaID, st)
		}
		_ = bar.Add(1)
		time.Sleep(*interval)
	}
}

func fetchStatus(url string) (replicaStatus, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return replicaStatus{}, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	var st replicaStatus
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		name := fields[0]
		val, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(name, "prime_ord_last_executed"):
			st.lastExecuted = int(val)
		case strings.HasPrefix(name, "prime_current_view"):
			st.currentView = int(val)
		case strings.HasPrefix(name, "prime_reconfig_gcn"):
			st.reconfigGCN = int(val)
		case strings.HasPrefix(name, "prime_view_changes_installed_total"):
			st.viewChanges = int(val)
		case strings.HasPrefix(name, "prime_po_pending_slots"):
			st.poPending = int(val)
		case strings.HasPrefix(name, "prime_recovery_restarts_total"):
			st.recoveries = int(val)
		}
	}
	return st, sc.Err()
}

func printStatus(replicaID uint32, st replicaStatus) {
	ui.Header(fmt.Sprintf("prime-replica %d status", replicaID))
	fmt.Printf("%s  %s\n", ui.Label("Last executed:"), ui.CountText(st.lastExecuted))
	fmt.Printf("%s     %s\n", ui.Label("Current view:"), ui.CountText(st.currentView))
	fmt.Printf("%s    %s\n", ui.Label("Installed GCN:"), ui.CountText(st.reconfigGCN))
	ui.SubHeader("Stability:")
	fmt.Printf("  View-changes installed: %s\n", ui.CountText(st.viewChanges))
	fmt.Printf("  PO-slots pending:       %s\n", ui.CountText(st.poPending))
	fmt.Printf("  Recovery restarts:      %s\n", ui.CountText(st.recoveries))
}
