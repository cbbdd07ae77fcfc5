// Command changelogd runs a replication server: it stores the changes of
// every replicated base DN, relays them between data servers and the
// other replication servers, and serves the external changelog.
//
// Usage:
//
//	changelogd serve -c /etc/changelogd.yaml
//	changelogd check-config -c /etc/changelogd.yaml
//	changelogd version
package main

import (
	"fmt"
	"os"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "changelogd:", err)
		os.Exit(1)
	}
}
