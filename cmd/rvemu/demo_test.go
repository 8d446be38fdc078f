package main

import (
	"context"
	"testing"

	"rvemu/pkg/session"
)

func TestDemoImage(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		cfg := session.DefaultConfig()
		cfg.Compressed = compressed
		sess, err := session.New(cfg)
		if err != nil {
			t.Fatalf("session.New: %v", err)
		}
		defer sess.Close()
		if err := sess.Load(demoImage(), 0x10000, 0x10000); err != nil {
			t.Fatalf("Load: %v", err)
		}
		report, err := sess.Run(context.Background())
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if string(report.Output) != demoMessage || report.ExitCode != 0 || !report.Stopped {
			t.Errorf("compressed=%v: output %q exit %d stopped %v", compressed, report.Output, report.ExitCode, report.Stopped)
		}
		if report.Switches != 2 {
			t.Errorf("compressed=%v: switches = %d, want 2", compressed, report.Switches)
		}
	}
}
