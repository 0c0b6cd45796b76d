// Package outcome holds the per-operation result shape shared by every patcher.
package outcome

import "fmt"

// Action discriminates what an operation did to its file.
type Action string

const (
	Injected Action = "injected"
	Skipped  Action = "skipped"
	Removed  Action = "removed"
	Error    Action = "error"
)

// Result reports one wiring, text or anchor operation. Operations never
// return errors past the batch; failures are Results with Action Error.
type Result struct {
	ID           string   `json:"id"`
	CapabilityID string   `json:"capabilityId,omitempty"`
	File         string   `json:"file"`
	Marker       string   `json:"marker,omitempty"`
	Kind         string   `json:"kind,omitempty"`
	Success      bool     `json:"success"`
	Action       Action   `json:"action"`
	Message      string   `json:"message,omitempty"`
	BackupPath   string   `json:"backupPath,omitempty"`
	Snippet      []string `json:"snippet,omitempty"`
	Symbols      []string `json:"symbols,omitempty"`
	Previous     []string `json:"previous,omitempty"`
}

func (r Result) Fail(format string, args ...any) Result {
	r.Success = false
	r.Action = Error
	r.Message = fmt.Sprintf(format, args...)
	return r
}

func (r Result) Skip(format string, args ...any) Result {
	r.Success = true
	r.Action = Skipped
	r.Message = fmt.Sprintf(format, args...)
	return r
}

func (r Result) Done(action Action, backupPath string) Result {
	r.Success = true
	r.Action = action
	r.BackupPath = backupPath
	return r
}

// NotFound is the canonical message for a target file that does not exist.
func NotFound(path string) string {
	return "File not found: " + path
}

// Succeeded reports whether no result carries an error.
func Succeeded(results []Result) bool {
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}

// Count tallies results by action.
func Count(results []Result) map[Action]int {
	out := make(map[Action]int, 4)
	for _, r := range results {
		out[r.Action]++
	}
	return out
}

// Backups maps each mutated file to the backup taken before its first mutation.
func Backups(results []Result) map[string]string {
	out := make(map[string]string)
	for _, r := range results {
		if r.BackupPath == "" {
			continue
		}
		if _, ok := out[r.File]; !ok {
			out[r.File] = r.BackupPath
		}
	}
	return out
}
