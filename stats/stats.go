// Package stats renders the outcome history and run summaries for the
// terminal.
package stats

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"bulkblock.org/classify"
	"bulkblock.org/manager"
	"bulkblock.org/store"
)

// Reporter writes human-readable reports over one datastore.
type Reporter struct {
	store *store.Store
	out   io.Writer
}

// NewReporter builds a reporter writing to out.
func NewReporter(s *store.Store, out io.Writer) *Reporter {
	return &Reporter{store: s, out: out}
}

// Totals prints the aggregate history counters.
func (r *Reporter) Totals() error {
	stats, err := r.store.Stats()
	if err != nil {
		return err
	}

	fmt.Fprintf(r.out, "Targets on record:  %s\n", humanize.Comma(int64(stats.Total)))
	fmt.Fprintf(r.out, "  blocked:          %s\n", humanize.Comma(int64(stats.Blocked)))
	fmt.Fprintf(r.out, "  skipped:          %s\n", humanize.Comma(int64(stats.Skipped)))
	fmt.Fprintf(r.out, "  failed:           %s\n", humanize.Comma(int64(stats.Failed)))
	fmt.Fprintf(r.out, "    retry eligible: %s\n", humanize.Comma(int64(stats.RetryEligible)))
	fmt.Fprintf(r.out, "    at ceiling:     %s\n", humanize.Comma(int64(stats.CeilingReached)))

	if len(stats.ByUserState) > 0 {
		fmt.Fprintln(r.out, "\nBy account state:")
		for _, state := range sortedStates(stats.ByUserState) {
			fmt.Fprintf(r.out, "  %-12s %s\n", state, humanize.Comma(int64(stats.ByUserState[state])))
		}
	}
	return nil
}

// Failures prints the failure breakdown with sample messages.
func (r *Reporter) Failures(sampleLimit int) error {
	breakdown, err := r.store.FailureBreakdown()
	if err != nil {
		return err
	}

	if len(breakdown.ByErrorKind) == 0 {
		fmt.Fprintln(r.out, "No failed targets on record.")
		return nil
	}

	fmt.Fprintln(r.out, "Failures by kind:")
	for _, kind := range sortedKeys(breakdown.ByErrorKind) {
		fmt.Fprintf(r.out, "  %-14s %s\n", kind, humanize.Comma(int64(breakdown.ByErrorKind[kind])))
		for _, sample := range breakdown.Samples[kind] {
			fmt.Fprintf(r.out, "      %s\n", sample)
		}
	}

	if len(breakdown.ByHTTPStatus) > 0 {
		fmt.Fprintln(r.out, "\nFailures by HTTP status:")
		statuses := make([]int, 0, len(breakdown.ByHTTPStatus))
		for status := range breakdown.ByHTTPStatus {
			statuses = append(statuses, status)
		}
		sort.Ints(statuses)
		for _, status := range statuses {
			fmt.Fprintf(r.out, "  %d: %s\n", status, humanize.Comma(int64(breakdown.ByHTTPStatus[status])))
		}
	}

	samples, err := r.store.ErrorSamples(sampleLimit)
	if err != nil {
		return err
	}
	if len(samples) > 0 {
		fmt.Fprintln(r.out, "\nRecent distinct errors:")
		for _, sample := range samples {
			fmt.Fprintf(r.out, "  %s\n", sample)
		}
	}
	return nil
}

// RunSummary prints the tally of one finished run.
func (r *Reporter) RunSummary(s *manager.Summary) {
	fmt.Fprintf(r.out, "\nSession %s\n", s.SessionID)
	fmt.Fprintf(r.out, "  targets:          %s\n", humanize.Comma(int64(s.Total)))
	fmt.Fprintf(r.out, "  processed:        %s\n", humanize.Comma(int64(s.Processed)))
	fmt.Fprintf(r.out, "  blocked:          %s\n", humanize.Comma(int64(s.Blocked)))
	fmt.Fprintf(r.out, "  already blocked:  %s\n", humanize.Comma(int64(s.AlreadyBlocked)))
	fmt.Fprintf(r.out, "  skipped:          %s\n", humanize.Comma(int64(s.Skipped)))
	fmt.Fprintf(r.out, "  permanent skips:  %s\n", humanize.Comma(int64(s.PermanentSkipped)))
	fmt.Fprintf(r.out, "  failed:           %s\n", humanize.Comma(int64(s.Failed)))
	if s.Retried > 0 {
		fmt.Fprintf(r.out, "  retried:          %s\n", humanize.Comma(int64(s.Retried)))
	}
}

// Target prints the diagnostic view of one target.
func (r *Reporter) Target(report *manager.TargetReport) {
	fmt.Fprintf(r.out, "Target %s (%s)\n", report.Identifier, report.Format)

	if report.Stored == nil {
		fmt.Fprintln(r.out, "  history: none")
	} else {
		o := report.Stored
		fmt.Fprintf(r.out, "  history: %s", o.Status)
		if o.UserState != "" && o.UserState != classify.StateUnknown {
			fmt.Fprintf(r.out, " (%s)", o.UserState)
		}
		fmt.Fprintln(r.out)
		fmt.Fprintf(r.out, "    attempts:     %d\n", o.Attempts)
		if o.ErrorMessage != "" {
			fmt.Fprintf(r.out, "    last error:   %s\n", o.ErrorMessage)
		}
		if o.SkipReason != "" {
			fmt.Fprintf(r.out, "    skip reason:  %s\n", o.SkipReason)
		}
		if !o.UpdatedAt.IsZero() {
			fmt.Fprintf(r.out, "    last update:  %s\n", humanize.Time(o.UpdatedAt))
		}
	}

	if report.Live == nil {
		fmt.Fprintln(r.out, "  live: unresolved")
		return
	}
	live := report.Live
	fmt.Fprintf(r.out, "  live: @%s", live.Profile.ScreenName)
	if live.Profile.ID != "" {
		fmt.Fprintf(r.out, " id=%s", live.Profile.ID)
	}
	fmt.Fprintf(r.out, " state=%s\n", live.Profile.State)
	if reason := live.SkipReason(); reason != "" {
		fmt.Fprintf(r.out, "    would skip: %s\n", reason)
	}
}

// RateLimit prints the last observed rate-limit window of one endpoint
// family. Silent until a response has reported the window.
func (r *Reporter) RateLimit(family string, limit, remaining int, reset time.Time) {
	if limit == 0 {
		return
	}
	fmt.Fprintf(r.out, "  rate limit (%s): %d of %d remaining", family, remaining, limit)
	if !reset.IsZero() {
		fmt.Fprintf(r.out, ", resets %s", humanize.Time(reset))
	}
	fmt.Fprintln(r.out)
}

func sortedStates(m map[classify.UserState]int) []classify.UserState {
	states := make([]classify.UserState, 0, len(m))
	for state := range m {
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i] < states[j] })
	return states
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
