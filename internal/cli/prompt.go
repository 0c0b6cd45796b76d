package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

// confirmBatch asks before touching more than one capability. Without a
// terminal the question counts as declined.
func (a *app) confirmBatch(cmd *cobra.Command, verb string, ids []string, yes bool) error {
	if yes || len(ids) < 2 {
		return nil
	}
	declined := &ExitError{
		Code:    ExitValidation,
		Message: fmt.Sprintf("%s %d capabilities needs confirmation; pass --yes", verb, len(ids)),
	}
	if !a.isTTY() {
		return declined
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s? [y/N] ", verb, strings.Join(ids, ", "))
	answer, _ := bufio.NewReader(a.stdin).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return nil
	}
	return declined
}
