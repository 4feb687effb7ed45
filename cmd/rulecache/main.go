// Command rulecache loads rule files, evaluates rules and serves a hot-reloaded
// rule registry.
//
//	rulecache eval --rules rules.yaml --rule large_request --var request.size=2048
//	rulecache list --rules rules.yaml
//	rulecache watch --rules rules.yaml --metrics-addr :9090
//	rulecache stress --readers 4 --duration 3s
package main

import (
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
