package core

import "fmt"

// formatTaskID renders the n-th task id of a checklist. padWidth controls
// the zero-padding of the numeric portion; 0 means none (e.g. T-7).
func formatTaskID(prefix string, padWidth, n int) string {
	if padWidth > 0 {
		return fmt.Sprintf("%s-%0*d", prefix, padWidth, n)
	}
	return fmt.Sprintf("%s-%d", prefix, n)
}
