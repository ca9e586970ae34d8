// Package adaptertest provides a conformance suite for device relayers.
//
// Every adapter.Relayer must classify failures the same way: a non-2xx answer is
// DEVICE_REJECTED with the status and body kept, a transport failure or an expired
// deadline is DEVICE_UNREACHABLE, and an accepted call yields a non-nil body map.
package adaptertest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/rover-control/relay/internal/adapter"
)

// Target is a relayer under test plus the controls that make its device misbehave.
type Target struct {
	Name    string
	Relayer adapter.Relayer

	// Reject makes subsequent calls answer with status.
	Reject func(status int)
	// Drop makes subsequent calls fail at the transport level.
	Drop func()
	// Delay holds subsequent answers for d.
	Delay func(d time.Duration)
	// Recover clears every injected fault and delay.
	Recover func()
}

// ConformanceResult represents the result of a conformance test.
type ConformanceResult struct {
	TestName string
	Passed   bool
	Error    string
	Duration time.Duration
	Details  map[string]any
}

// ConformanceReport represents the complete conformance test report.
type ConformanceReport struct {
	AdapterName   string
	TotalTests    int
	PassedTests   int
	FailedTests   int
	Results       []ConformanceResult
	OverallPassed bool
	Duration      time.Duration
}

// Payloads the suite relays, one per device path.
var payloads = map[string]any{
	adapter.PathMove: map[string]any{"command": "MOVE_FORWARD", "speed": 0.5},
	adapter.PathMode: map[string]any{"mode": "MANUAL", "command": "MODE_MANUAL"},
	adapter.PathStop: map[string]any{},
}

var paths = []string{adapter.PathMove, adapter.PathMode, adapter.PathStop}

// RunConformance runs the complete suite against a fresh target per group.
func RunConformance(t *testing.T, newTarget func(t *testing.T) Target) {
	t.Helper()
	startTime := time.Now()

	report := &ConformanceReport{OverallPassed: true}

	runAcceptedTests(t, newTarget, report)
	runRejectedTests(t, newTarget, report)
	runUnreachableTests(t, newTarget, report)
	runDeadlineTests(t, newTarget, report)
	runRecoveryTests(t, newTarget, report)

	report.Duration = time.Since(startTime)
	printConformanceReport(t, report)

	if !report.OverallPassed {
		t.Fatalf("Relayer conformance failed for %s: %d/%d tests passed", report.AdapterName, report.PassedTests, report.TotalTests)
	}
}

func runAcceptedTests(t *testing.T, newTarget func(t *testing.T) Target, report *ConformanceReport) {
	target := newTarget(t)
	report.AdapterName = target.Name
	ctx := context.Background()

	for _, path := range paths {
		result := ConformanceResult{TestName: "Accepted" + path, Details: map[string]any{}}
		start := time.Now()

		body, err := target.Relayer.Relay(ctx, path, payloads[path])
		result.Duration = time.Since(start)

		switch {
		case err != nil:
			result.Error = fmt.Sprintf("Relay(%s) failed: %v", path, err)
		case body == nil:
			result.Error = fmt.Sprintf("Relay(%s) returned a nil body", path)
		default:
			result.Passed = true
			result.Details["keys"] = len(body)
		}
		report.addResult(result)
	}
}

func runRejectedTests(t *testing.T, newTarget func(t *testing.T) Target, report *ConformanceReport) {
	target := newTarget(t)
	ctx := context.Background()

	for _, status := range []int{http.StatusBadRequest, http.StatusInternalServerError, http.StatusServiceUnavailable} {
		target.Reject(status)
		result := ConformanceResult{TestName: fmt.Sprintf("Rejected_%d", status), Details: map[string]any{}}
		start := time.Now()

		_, err := target.Relayer.Relay(ctx, adapter.PathStop, payloads[adapter.PathStop])
		result.Duration = time.Since(start)

		var de *adapter.DeviceError
		switch {
		case err == nil:
			result.Error = "rejection was reported as success"
		case !errors.Is(err, adapter.ErrDeviceRejected):
			result.Error = fmt.Sprintf("want DEVICE_REJECTED, got %v", err)
		case !errors.As(err, &de) || de.Status != status:
			result.Error = fmt.Sprintf("rejection lost its status: %v", err)
		case de.Path != adapter.PathStop:
			result.Error = fmt.Sprintf("rejection path = %q", de.Path)
		default:
			result.Passed = true
			result.Details["body"] = strings.TrimSpace(de.Body)
		}
		report.addResult(result)
	}
}

func runUnreachableTests(t *testing.T, newTarget func(t *testing.T) Target, report *ConformanceReport) {
	target := newTarget(t)
	target.Drop()

	for _, path := range paths {
		result := ConformanceResult{TestName: "Unreachable" + path, Details: map[string]any{}}
		start := time.Now()

		_, err := target.Relayer.Relay(context.Background(), path, payloads[path])
		result.Duration = time.Since(start)

		switch {
		case err == nil:
			result.Error = "dropped call was reported as success"
		case !errors.Is(err, adapter.ErrDeviceUnreachable):
			result.Error = fmt.Sprintf("want DEVICE_UNREACHABLE, got %v", err)
		case errors.Is(err, adapter.ErrDeviceRejected):
			result.Error = "error carries both codes"
		default:
			result.Passed = true
		}
		report.addResult(result)
	}
}

func runDeadlineTests(t *testing.T, newTarget func(t *testing.T) Target, report *ConformanceReport) {
	target := newTarget(t)
	target.Delay(time.Second)

	result := ConformanceResult{TestName: "Deadline", Details: map[string]any{}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()

	_, err := target.Relayer.Relay(ctx, adapter.PathMove, payloads[adapter.PathMove])
	result.Duration = time.Since(start)

	switch {
	case err == nil:
		result.Error = "call outlived its deadline"
	case !errors.Is(err, adapter.ErrDeviceUnreachable):
		result.Error = fmt.Sprintf("want DEVICE_UNREACHABLE, got %v", err)
	case !adapter.IsTimeout(err):
		result.Error = fmt.Sprintf("timeout cause lost: %v", err)
	case result.Duration > 500*time.Millisecond:
		result.Error = fmt.Sprintf("returned after %v, deadline was 50ms", result.Duration)
	default:
		result.Passed = true
	}
	report.addResult(result)
}

func runRecoveryTests(t *testing.T, newTarget func(t *testing.T) Target, report *ConformanceReport) {
	target := newTarget(t)
	ctx := context.Background()

	target.Drop()
	_, _ = target.Relayer.Relay(ctx, adapter.PathStop, payloads[adapter.PathStop])
	target.Recover()

	result := ConformanceResult{TestName: "Recovery", Details: map[string]any{}}
	start := time.Now()
	_, err := target.Relayer.Relay(ctx, adapter.PathStop, payloads[adapter.PathStop])
	result.Duration = time.Since(start)

	if err != nil {
		result.Error = fmt.Sprintf("call after recovery failed: %v", err)
	} else {
		result.Passed = true
	}
	report.addResult(result)
}

func (r *ConformanceReport) addResult(result ConformanceResult) {
	r.TotalTests++
	if result.Passed {
		r.PassedTests++
	} else {
		r.FailedTests++
		r.OverallPassed = false
	}
	r.Results = append(r.Results, result)
}

func printConformanceReport(t *testing.T, report *ConformanceReport) {
	t.Logf("%s", strings.Repeat("=", 80))
	t.Logf("RELAYER CONFORMANCE REPORT: %s", report.AdapterName)
	t.Logf("Passed: %d/%d  Duration: %v", report.PassedTests, report.TotalTests, report.Duration)
	t.Logf("%s", strings.Repeat("-", 80))
	t.Logf("%-30s %-8s %-12s %-s", "TEST NAME", "RESULT", "DURATION", "DETAILS")

	for _, result := range report.Results {
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}

		details := result.Error
		if details == "" && len(result.Details) > 0 {
			var parts []string
			for k, v := range result.Details {
				parts = append(parts, fmt.Sprintf("%s=%v", k, v))
			}
			details = strings.Join(parts, ", ")
		}

		t.Logf("%-30s %-8s %-12s %-s", result.TestName, status, result.Duration.String(), details)
	}
	t.Logf("%s", strings.Repeat("=", 80))
}
