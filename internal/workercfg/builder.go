// Package workercfg implements WorkerConfigBuilder: the on-disk config
// fragment and argv for a single worker process (spec §4.4).
package workercfg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Spec is the input needed to build one worker's configuration.
type Spec struct {
	ID              int
	SocksPort       int
	ControlPort     int
	DataDir         string
	ExitNodes       []string
	WorkerBinaryPath string
}

// Built holds the rendered config text and the argv to spawn the worker.
type Built struct {
	ConfigText string
	ConfigPath string
	Argv       []string
}

// Build renders the config fragment for spec and writes it to
// <data_dir>/torrc, matching the worker's -f <config_path> contract
// (spec §4.4, §6). It does not create the data directory; callers create
// it before calling Build (WorkerProcess.start owns that ordering).
func Build(spec Spec) (Built, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "SocksPort 127.0.0.1:%d\n", spec.SocksPort)
	fmt.Fprintf(&b, "ControlPort 127.0.0.1:%d\n", spec.ControlPort)
	fmt.Fprintf(&b, "DataDirectory %s\n", spec.DataDir)
	b.WriteString("ClientOnly 1\n")
	b.WriteString("ExitRelay 0\n")
	b.WriteString("AvoidDiskWrites 1\n")

	if len(spec.ExitNodes) > 0 {
		nodes := make([]string, len(spec.ExitNodes))
		copy(nodes, spec.ExitNodes)
		sort.Strings(nodes)
		fmt.Fprintf(&b, "ExitNodes %s\n", strings.Join(nodes, ","))
		b.WriteString("StrictNodes 1\n")
	}

	configPath := filepath.Join(spec.DataDir, "torrc")
	if err := os.WriteFile(configPath, []byte(b.String()), 0o600); err != nil {
		return Built{}, fmt.Errorf("write worker %d config: %w", spec.ID, err)
	}

	return Built{
		ConfigText: b.String(),
		ConfigPath: configPath,
		Argv:       []string{spec.WorkerBinaryPath, "-f", configPath},
	}, nil
}
