// Command lazyproxy runs one or more lazy proxies: each listens on a port,
// starts its target server on the first request and stops it again once it
// has been idle for a while.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.LookupEnv).Execute(); err != nil {
		os.Exit(1)
	}
}
