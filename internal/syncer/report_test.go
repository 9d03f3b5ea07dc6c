package syncer //nolint:testpackage

import (
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/po4yka/gitout/internal/plan"
)

func successResult(name string, d time.Duration) Result {
	return Result{Task: plan.Task{Ref: plan.RepoRef{Name: name}}, Status: StatusSucceeded, Attempts: 1, Duration: d}
}

func failedResult(name string) Result {
	return Result{Task: plan.Task{Ref: plan.RepoRef{Name: name}}, Status: StatusFailed, Attempts: 6}
}

func TestBuildReportCounts(t *testing.T) {
	report := buildReport([]Result{
		successResult("a", time.Second),
		failedResult("b"),
		successResult("c", 3*time.Second),
	}, 5*time.Second)

	assert.Equal(t, 2, report.Succeeded)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 5*time.Second, report.WallTime)
	assert.Equal(t, 1, len(report.Failures))
	assert.Equal(t, "b", report.Failures[0].Task.Ref.Name)
}

func TestBuildReportDurationStats(t *testing.T) {
	var results []Result
	for i := 1; i <= 100; i++ {
		results = append(results, successResult("r", time.Duration(i)*time.Millisecond))
	}
	report := buildReport(results, time.Second)

	stats := report.Durations
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 50500*time.Microsecond, stats.Mean)
	assert.Equal(t, 50*time.Millisecond, stats.P50)
	assert.Equal(t, 95*time.Millisecond, stats.P95)
	assert.Equal(t, 99*time.Millisecond, stats.P99)
}

func TestBuildReportStatsIgnoreFailures(t *testing.T) {
	report := buildReport([]Result{
		successResult("a", 10*time.Millisecond),
		failedResult("b"),
	}, time.Second)
	assert.Equal(t, 10*time.Millisecond, report.Durations.Min)
	assert.Equal(t, 10*time.Millisecond, report.Durations.Max)
	assert.Equal(t, 10*time.Millisecond, report.Durations.P99)
}

func TestBuildReportEmpty(t *testing.T) {
	report := buildReport(nil, 0)
	assert.Equal(t, 0, report.Succeeded)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, time.Duration(0), report.Durations.Mean)
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []time.Duration{1, 2, 3, 4}
	assert.Equal(t, time.Duration(2), percentile(sorted, 50))
	assert.Equal(t, time.Duration(4), percentile(sorted, 95))
	assert.Equal(t, time.Duration(1), percentile(sorted, 1))
}
