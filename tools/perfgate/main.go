// Command perfgate runs the realtime benchmarks and fails when any of them
// regresses past the recorded baseline.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

type benchmarkBaseline struct {
	NSOp     float64 `json:"ns_op"`
	AllocsOp float64 `json:"allocs_op"`
}

type baselineFile struct {
	Benchmarks map[string]benchmarkBaseline `json:"benchmarks"`
}

type benchmarkResult struct {
	NSOp     float64
	AllocsOp float64
}

// parseBenchOutput reads lines of the form
// BenchmarkName-8  N  ns/op  B/op  allocs/op.
func parseBenchOutput(output string) map[string]benchmarkResult {
	results := map[string]benchmarkResult{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 || !strings.HasPrefix(fields[0], "Benchmark") {
			continue
		}
		name := fields[0]
		if dash := strings.LastIndex(name, "-"); dash > 0 {
			name = name[:dash]
		}

		var result benchmarkResult
		var hasNS, hasAllocs bool
		for i := 0; i+1 < len(fields); i++ {
			value, err := strconv.ParseFloat(fields[i], 64)
			if err != nil {
				continue
			}
			switch fields[i+1] {
			case "ns/op":
				result.NSOp, hasNS = value, true
			case "allocs/op":
				result.AllocsOp, hasAllocs = value, true
			}
		}
		if hasNS && hasAllocs && result.NSOp > 0 {
			results[name] = result
		}
	}
	return results
}

func loadBaseline(path string) (baselineFile, error) {
	baseline := baselineFile{}
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator input
	if err != nil {
		return baseline, fmt.Errorf("perf baseline read failed: %w", err)
	}
	if err = json.Unmarshal(data, &baseline); err != nil {
		return baseline, fmt.Errorf("perf baseline parse failed: %w", err)
	}
	if len(baseline.Benchmarks) == 0 {
		return baseline, fmt.Errorf("perf baseline %s is empty", path)
	}
	return baseline, nil
}

func benchPattern(baseline baselineFile) string {
	names := make([]string, 0, len(baseline.Benchmarks))
	for name := range baseline.Benchmarks {
		names = append(names, regexp.QuoteMeta(name))
	}
	sort.Strings(names)
	return "^(" + strings.Join(names, "|") + ")$"
}

// compare returns one failure per missing result or regressed measurement.
// A zero allocation baseline tolerates no allocations at all.
func compare(baseline baselineFile, results map[string]benchmarkResult, maxRegression float64) []string {
	factor := 1.0 + maxRegression/100.0
	var failures []string
	for name, expected := range baseline.Benchmarks {
		actual, ok := results[name]
		if !ok {
			failures = append(failures, fmt.Sprintf("missing benchmark result: %s", name))
			continue
		}
		if maxNS := expected.NSOp * factor; actual.NSOp > maxNS {
			failures = append(failures, fmt.Sprintf("%s ns/op regression: baseline %.2f, actual %.2f, max %.2f", name, expected.NSOp, actual.NSOp, maxNS))
		}
		if maxAllocs := expected.AllocsOp * factor; actual.AllocsOp > maxAllocs {
			failures = append(failures, fmt.Sprintf("%s allocs/op regression: baseline %.2f, actual %.2f, max %.2f", name, expected.AllocsOp, actual.AllocsOp, maxAllocs))
		}
	}
	sort.Strings(failures)
	return failures
}

func main() {
	baselinePath := flag.String("baseline", "tools/perf_baseline.json", "path to benchmark baseline JSON")
	packagePath := flag.String("package", "./realtime", "package path for benchmarks")
	benchtime := flag.String("benchtime", "1s", "go test benchmark duration")
	maxRegression := flag.Float64("max-regression", 15.0, "max allowed regression percentage")
	flag.Parse()

	baseline, err := loadBaseline(*baselinePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	command := exec.Command("go", "test", *packagePath, "-run", "^$", "-bench", benchPattern(baseline), "-benchmem", "-count=1", "-benchtime="+*benchtime) // #nosec G204 -- arguments are passed without shell expansion
	outputBytes, err := command.CombinedOutput()
	output := string(outputBytes)
	if err != nil {
		fmt.Fprintf(os.Stderr, "benchmark command failed: %v\n%s", err, output)
		os.Exit(1)
	}

	fmt.Print(output)
	failures := compare(baseline, parseBenchOutput(output), *maxRegression)
	if len(failures) == 0 {
		fmt.Println("perf gate: PASS")
		return
	}

	fmt.Println("perf gate: FAIL")
	for _, failure := range failures {
		fmt.Printf("- %s\n", failure)
	}
	os.Exit(2)
}
