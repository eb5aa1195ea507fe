package main

import "taskpipe/internal/ctl"

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	ctl.Execute(version, commit)
}
