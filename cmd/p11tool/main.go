// Command p11tool is a small operator CLI over a configured PKCS#11
// module: list slots, inspect or generate keys, and sign a blob from the
// command line. It mirrors notary's cmd/notary subcommand layout (one file
// per command family, a shared root command carrying persistent flags)
// rather than anything resembling a full administration console -- the
// domain logic lives in pkg/p11 and its backends, this package only wires
// configuration, a backend, and a logger together.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
