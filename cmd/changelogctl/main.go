// Command changelogctl is the operator tool of changelogd.
//
//	changelogctl tail --persistent          # follow the external changelog
//	changelogctl inject -n 100              # publish test changes as a data server
//	changelogctl cookie                     # newest external changelog cookie
//	changelogctl top                        # live backlog and peers per domain
//	changelogctl token --scope admin        # sign an admin API token
//	changelogctl gencert --cert rs.crt --key rs.key
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "changelogctl:", err)
		os.Exit(1)
	}
}
