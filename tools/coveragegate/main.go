// Command coveragegate fails when a Go coverage profile falls below the
// thresholds set for the realtime client.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

type coverage struct {
	covered int
	total   int
}

func (c coverage) percent() float64 {
	if c.total == 0 {
		return 0
	}
	return float64(c.covered) * 100.0 / float64(c.total)
}

// stateFiles hold the connection and channel state machines.
var stateFiles = []string{
	"realtime/eventemitter.go",
	"realtime/connection.go",
	"realtime/channel.go",
	"realtime/channels.go",
}

// codecFiles are free of I/O and expected to be fully covered.
var codecFiles = []string{
	"realtime/errors.go",
	"realtime/protocol.go",
	"realtime/message.go",
}

type thresholds struct {
	overall float64
	state   float64
}

func parseProfile(reader io.Reader) (map[string]coverage, error) {
	result := map[string]coverage{}
	scanner := bufio.NewScanner(reader)
	for lineNumber := 1; scanner.Scan(); lineNumber++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "mode:") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: expected 3 fields, got %d", lineNumber, len(fields))
		}
		statements, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid statement count: %w", lineNumber, err)
		}
		hits, err := strconv.Atoi(fields[2])
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid hit count: %w", lineNumber, err)
		}

		fileName, _, found := strings.Cut(fields[0], ":")
		if !found {
			return nil, fmt.Errorf("line %d: missing block range", lineNumber)
		}
		entry := result[fileName]
		entry.total += statements
		if hits > 0 {
			entry.covered += statements
		}
		result[fileName] = entry
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func findCoverage(files map[string]coverage, suffix string) (coverage, bool) {
	for fileName, cov := range files {
		if strings.HasSuffix(fileName, "/"+suffix) || fileName == suffix {
			return cov, true
		}
	}
	return coverage{}, false
}

// evaluate returns the aggregate coverage and every threshold violation, sorted.
func evaluate(files map[string]coverage, limits thresholds) (coverage, []string) {
	total := coverage{}
	for _, fileCov := range files {
		total.covered += fileCov.covered
		total.total += fileCov.total
	}

	var failures []string
	if total.percent()+1e-9 < limits.overall {
		failures = append(failures, fmt.Sprintf("aggregate coverage %.1f%% is below %.1f%%", total.percent(), limits.overall))
	}
	for _, fileName := range codecFiles {
		fileCov, ok := findCoverage(files, fileName)
		switch {
		case !ok:
			failures = append(failures, fmt.Sprintf("codec file %s is missing from the profile", fileName))
		case fileCov.covered != fileCov.total:
			failures = append(failures, fmt.Sprintf("codec file %s is %.1f%% (required 100.0%%)", fileName, fileCov.percent()))
		}
	}
	for _, fileName := range stateFiles {
		fileCov, ok := findCoverage(files, fileName)
		switch {
		case !ok:
			failures = append(failures, fmt.Sprintf("state file %s is missing from the profile", fileName))
		case fileCov.percent()+1e-9 < limits.state:
			failures = append(failures, fmt.Sprintf("state file %s is %.1f%% (required %.1f%%)", fileName, fileCov.percent(), limits.state))
		}
	}
	sort.Strings(failures)
	return total, failures
}

func main() {
	profilePath := flag.String("profile", "coverage.out", "path to go coverage profile")
	overall := flag.Float64("overall", 80.0, "minimum aggregate coverage percentage")
	state := flag.Float64("state", 85.0, "minimum coverage percentage of each state machine file")
	flag.Parse()

	file, err := os.Open(*profilePath) // #nosec G304 -- path is operator input
	if err != nil {
		fmt.Fprintf(os.Stderr, "coverage gate failed reading profile: %v\n", err)
		os.Exit(1)
	}
	files, err := parseProfile(file)
	_ = file.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "coverage gate failed parsing profile: %v\n", err)
		os.Exit(1)
	}

	total, failures := evaluate(files, thresholds{overall: *overall, state: *state})
	fmt.Printf("aggregate: %.1f%% (%d/%d)\n", total.percent(), total.covered, total.total)
	if len(failures) == 0 {
		fmt.Println("coverage gate: PASS")
		return
	}

	fmt.Println("coverage gate: FAIL")
	for _, failure := range failures {
		fmt.Printf("- %s\n", failure)
	}
	os.Exit(2)
}
