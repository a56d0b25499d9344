package scheduler

import "fmt"

// ValidateCronExpr checks a 5-field cron expression for syntactic
// validity before it is stored, using the hand-rolled field parser
// rather than robfig/cron so a malformed expression is rejected with a
// precise field-level message at task-creation time. Actual next-run
// computation for stored tasks still goes through robfig/cron for
// correct IANA timezone handling (see computeNextRun).
func ValidateCronExpr(expr string) error {
	if _, err := ParseCron(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}
